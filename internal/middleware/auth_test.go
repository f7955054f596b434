package middleware

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/neogan74/poshost/internal/audit"
	"github.com/neogan74/poshost/internal/auth"
)

func TestExtractToken(t *testing.T) {
	app := fiber.New()

	tests := []struct {
		name    string
		method  string
		header  string
		uri     string
		want    string
		wantErr bool
	}{
		{name: "bearer header", method: "POST", header: "Bearer abc", uri: "/invoke/x", want: "abc"},
		{name: "lowercase scheme", method: "POST", header: "bearer abc", uri: "/invoke/x", want: "abc"},
		{name: "wrong scheme", method: "POST", header: "Basic abc", uri: "/invoke/x", wantErr: true},
		{name: "empty bearer", method: "POST", header: "Bearer ", uri: "/invoke/x", wantErr: true},
		{name: "query on GET", method: "GET", uri: "/media/a.png?access_token=q1", want: "q1"},
		{name: "query ignored on POST", method: "POST", uri: "/invoke/x?access_token=q1", wantErr: true},
		{name: "missing", method: "GET", uri: "/media/a.png", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fctx := &fasthttp.RequestCtx{}
			fctx.Request.Header.SetMethod(tt.method)
			fctx.Request.SetRequestURI(tt.uri)
			if tt.header != "" {
				fctx.Request.Header.Set(fiber.HeaderAuthorization, tt.header)
			}
			c := app.AcquireCtx(fctx)
			defer app.ReleaseCtx(c)

			got, err := ExtractToken(c)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractToken_MissingIsSentinel(t *testing.T) {
	app := fiber.New()
	c := app.AcquireCtx(&fasthttp.RequestCtx{})
	defer app.ReleaseCtx(c)

	_, err := ExtractToken(c)
	assert.True(t, errors.Is(err, auth.ErrTokenMissing))
}

func newAuthApp(t *testing.T, sessions *auth.SessionService) *fiber.App {
	t.Helper()
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	app.Use(BearerAuth(sessions, "/health"))
	app.Get("/health", func(c *fiber.Ctx) error { return c.SendString("ok") })
	app.Post("/invoke/:op", func(c *fiber.Ctx) error {
		claims := GetClaims(c)
		if claims == nil {
			return fiber.NewError(fiber.StatusInternalServerError, "claims not set")
		}
		return c.SendString(claims.Actor + "|" + c.Locals(audit.LocalTokenID).(string))
	})
	return app
}

func TestBearerAuth(t *testing.T) {
	sessions := auth.NewSessionServiceWithSecret([]byte("s"), time.Minute, "poshost")
	expired := auth.NewSessionServiceWithSecret([]byte("s"), -time.Minute, "poshost")
	app := newAuthApp(t, sessions)

	token, claims, err := sessions.Issue(auth.ActorUI)
	require.NoError(t, err)
	expiredToken, _, err := expired.Issue(auth.ActorUI)
	require.NoError(t, err)

	t.Run("public path", func(t *testing.T) {
		resp, err := app.Test(httptest.NewRequest("GET", "/health", nil))
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	})

	t.Run("valid token", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/invoke/host.info", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, "ui|"+claims.ID, string(body))
	})

	for name, header := range map[string]string{
		"missing": "",
		"invalid": "Bearer nope",
		"expired": "Bearer " + expiredToken,
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/invoke/host.info", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
		})
	}
}

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/neogan74/poshost/internal/hosterr"
	"github.com/neogan74/poshost/internal/logger"
)

const maxReceiptItems = 500

// ReceiptItem is one line of a receipt.
type ReceiptItem struct {
	Name     string  `json:"name"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
}

// Receipt is the payload of receipt.print.
type Receipt struct {
	OrderID      string        `json:"orderId"`
	Items        []ReceiptItem `json:"items"`
	Total        float64       `json:"total"`
	CustomerName string        `json:"customerName,omitempty"`
	Timestamp    string        `json:"timestamp,omitempty"`
}

// Validate checks the receipt is printable.
func (r Receipt) Validate() error {
	if strings.TrimSpace(r.OrderID) == "" {
		return fmt.Errorf("orderId is required")
	}
	if len(r.Items) == 0 {
		return fmt.Errorf("at least one item is required")
	}
	if len(r.Items) > maxReceiptItems {
		return fmt.Errorf("too many items: %d (max %d)", len(r.Items), maxReceiptItems)
	}
	for i, item := range r.Items {
		if strings.TrimSpace(item.Name) == "" {
			return fmt.Errorf("item %d: name is required", i)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("item %d: quantity must be positive", i)
		}
		if item.Price < 0 || math.IsNaN(item.Price) || math.IsInf(item.Price, 0) {
			return fmt.Errorf("item %d: invalid price", i)
		}
	}
	if r.Total < 0 || math.IsNaN(r.Total) || math.IsInf(r.Total, 0) {
		return fmt.Errorf("invalid total")
	}
	if r.Timestamp != "" {
		if _, err := time.Parse(time.RFC3339, r.Timestamp); err != nil {
			return fmt.Errorf("timestamp must be RFC 3339")
		}
	}
	return nil
}

// SpoolResult is returned by receipt.print.
type SpoolResult struct {
	Spooled string `json:"spooled"`
	JobID   string `json:"jobId"`
}

// ReceiptSpool writes print jobs to a directory picked up by the printer
// integration.
type ReceiptSpool struct {
	dir string
	log logger.Logger
	now func() time.Time
}

// NewReceiptSpool creates a spool in dir.
func NewReceiptSpool(dir string, log logger.Logger) *ReceiptSpool {
	return &ReceiptSpool{dir: dir, log: log.WithComponent("receipts"), now: time.Now}
}

type spoolJob struct {
	JobID    string    `json:"jobId"`
	QueuedAt time.Time `json:"queuedAt"`
	Receipt  Receipt   `json:"receipt"`
}

// Spool validates r and writes it as a job file.
func (s *ReceiptSpool) Spool(ctx context.Context, r Receipt) (SpoolResult, error) {
	const op = "receipt.print"
	if err := r.Validate(); err != nil {
		return SpoolResult{}, hosterr.New(hosterr.InvalidArgument, op, err)
	}
	if err := ctx.Err(); err != nil {
		return SpoolResult{}, hosterr.New(hosterr.Cancelled, op, err)
	}

	job := spoolJob{JobID: uuid.NewString(), QueuedAt: s.now().UTC(), Receipt: r}
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return SpoolResult{}, hosterr.New(hosterr.Internal, op, err)
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return SpoolResult{}, hosterr.New(hosterr.Internal, op, err)
	}

	name := job.QueuedAt.Format("20060102T150405.000Z") + "-" + job.JobID + ".json"
	tmp := filepath.Join(s.dir, "."+name)
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return SpoolResult{}, hosterr.New(hosterr.Internal, op, err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmp)
		return SpoolResult{}, hosterr.New(hosterr.Internal, op, err)
	}

	s.log.Info("Receipt spooled",
		logger.String("order_id", r.OrderID),
		logger.String("job_id", job.JobID),
		logger.Int("items", len(r.Items)))
	return SpoolResult{Spooled: name, JobID: job.JobID}, nil
}

package s3export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gofiber/fiber/v2/log"

	"github.com/subflowhq/subflow/app/models"
	"github.com/subflowhq/subflow/app/repository"
)

// Exporter writes daily settlement reports to S3: one JSON object per chain
// and UTC day listing every successful charge settled in that window.
type Exporter struct {
	s3Client *s3.Client
	config   *Config
	repos    *repository.Repositories
	chainIDs []uint64
}

// settlementReport is the exported document
type settlementReport struct {
	ChainID     uint64             `json:"chain_id"`
	Day         string             `json:"day"`
	GeneratedAt time.Time          `json:"generated_at"`
	ChargeCount int                `json:"charge_count"`
	TotalAmount int64              `json:"total_amount"`
	TotalFees   int64              `json:"total_fees"`
	Charges     []settlementCharge `json:"charges"`
}

type settlementCharge struct {
	ChargeID    string    `json:"charge_id"`
	PolicyID    string    `json:"policy_id"`
	Amount      int64     `json:"amount"`
	ProtocolFee int64     `json:"protocol_fee"`
	TxHash      string    `json:"tx_hash"`
	SettledAt   time.Time `json:"settled_at"`
}

// NewExporter creates a settlement exporter. Returns an error when export is
// disabled so callers can skip scheduling it.
func NewExporter(cfg *Config, repos *repository.Repositories, chainIDs []uint64) (*Exporter, error) {
	if !cfg.IsEnabled() {
		return nil, fmt.Errorf("S3 export is disabled")
	}

	awsConfig, err := awsconfig.LoadDefaultConfig(context.TODO(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			o.UsePathStyle = true
		}
	})

	log.Infof("[S3Export] Initialized settlement exporter for bucket: %s", cfg.BucketName)
	return &Exporter{
		s3Client: s3Client,
		config:   cfg,
		repos:    repos,
		chainIDs: chainIDs,
	}, nil
}

// ExportDay uploads the settlement report for one UTC day across all chains.
func (e *Exporter) ExportDay(ctx context.Context, day time.Time) error {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)

	for _, chainID := range e.chainIDs {
		if err := e.exportChainDay(ctx, chainID, dayStart, dayEnd); err != nil {
			return fmt.Errorf("chain %d: %w", chainID, err)
		}
	}
	return nil
}

func (e *Exporter) exportChainDay(ctx context.Context, chainID uint64, dayStart, dayEnd time.Time) error {
	charges, err := e.repos.Charge.ListSucceededBetween(chainID, dayStart, dayEnd)
	if err != nil {
		return fmt.Errorf("list settled charges: %w", err)
	}

	report := settlementReport{
		ChainID:     chainID,
		Day:         dayStart.Format("2006-01-02"),
		GeneratedAt: time.Now().UTC(),
		ChargeCount: len(charges),
		Charges:     make([]settlementCharge, 0, len(charges)),
	}
	for _, c := range charges {
		fee := int64(0)
		if c.ProtocolFee != nil {
			fee = *c.ProtocolFee
		}
		report.TotalAmount += c.Amount
		report.TotalFees += fee
		report.Charges = append(report.Charges, settlementCharge{
			ChargeID:    c.ID,
			PolicyID:    c.PolicyID,
			Amount:      c.Amount,
			ProtocolFee: fee,
			TxHash:      c.TxHash,
			SettledAt:   settledAt(c),
		})
	}

	body, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	objectKey := e.config.GetObjectKey(chainID, dayStart)
	_, err = e.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.config.BucketName),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", objectKey, err)
	}

	log.Infof("[S3Export] Uploaded %s (%d charges, %d total)", objectKey, report.ChargeCount, report.TotalAmount)
	return nil
}

func settledAt(c models.ChargeRecord) time.Time {
	if c.CompletedAt != nil {
		return *c.CompletedAt
	}
	return c.CreatedAt
}

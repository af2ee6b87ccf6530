package invoicing

//go:generate mockgen -source=generator.go -destination=generator_mock.go -package=invoicing

import (
	"GoldLedger/internal/ledger"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RenderRequest carries what a document renderer needs for one transaction.
type RenderRequest struct {
	Transaction ledger.Transaction
	Invoice     ledger.Document
}

// Rendered holds the durable references returned by a renderer.
type Rendered struct {
	InvoiceRef     string
	CertificateRef string
	DocumentRef    string
}

// DocumentGenerator renders the legal invoice and custody-release certificate
// of a transaction. Implementations must return the same references when
// asked twice for the same transaction.
type DocumentGenerator interface {
	Render(ctx context.Context, req RenderRequest) (Rendered, error)
}

const referenceSeed = "GoldLedger:documents:v1"

// HashGenerator derives stable references from SHA-256(seed || tx || custodian || number).
// It is the built-in renderer used when no external document service is configured.
type HashGenerator struct {
	seed    [32]byte
	baseURI string
}

func NewHashGenerator(namespace, baseURI string) *HashGenerator {
	return &HashGenerator{
		seed:    sha256.Sum256([]byte(referenceSeed + ":" + namespace)),
		baseURI: strings.TrimRight(baseURI, "/"),
	}
}

func (g *HashGenerator) Render(ctx context.Context, req RenderRequest) (Rendered, error) {
	if err := ctx.Err(); err != nil {
		return Rendered{}, err
	}
	if req.Invoice.Number == "" {
		return Rendered{}, fmt.Errorf("transaction %s has no invoice number", req.Transaction.ID)
	}

	hasher := sha256.New()
	hasher.Write(g.seed[:])
	hasher.Write(req.Transaction.ID[:])
	hasher.Write(req.Transaction.CustodianID[:])
	hasher.Write([]byte(req.Invoice.Number))
	digest := hasher.Sum(nil)

	invoiceRef := "INVR-" + strings.ToUpper(hex.EncodeToString(digest[:8]))
	return Rendered{
		InvoiceRef:     invoiceRef,
		CertificateRef: "CERT-" + strings.ToUpper(hex.EncodeToString(digest[8:16])),
		DocumentRef:    fmt.Sprintf("%s/%s.pdf", g.baseURI, invoiceRef),
	}, nil
}

var numberPrefix = map[ledger.DocumentKind]string{
	ledger.DocInvoice:    "INV",
	ledger.DocSettlement: "STL",
	ledger.DocCommission: "COM",
}

// DocumentNumber is the human-facing number of a document, unique per
// (kind, transaction).
func DocumentNumber(kind ledger.DocumentKind, transactionID uuid.UUID, at time.Time) string {
	return fmt.Sprintf("%s-%s-%s", numberPrefix[kind], at.UTC().Format("20060102"),
		strings.ToUpper(hex.EncodeToString(transactionID[:])))
}

package http

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"care-companion/internal/core"
	"care-companion/internal/tools"
	"care-companion/pkg"
)

// Extractor reads prescriptions from an image.
type Extractor interface {
	Extract(ctx context.Context, image []byte, mimeType string) (*tools.Extraction, error)
}

// PhotoStore keeps the photo and the prescriptions read from it.
type PhotoStore interface {
	SaveAttachment(ctx context.Context, a *pkg.Attachment) error
	AddPrescription(ctx context.Context, p *pkg.Prescription) error
}

// Downloader fetches a file the user sent.
type Downloader interface {
	DownloadFile(ctx context.Context, fileID string) ([]byte, string, error)
}

// PhotoIntake turns a prescription photo into saved prescriptions.
type PhotoIntake struct {
	Files     Downloader
	Store     PhotoStore
	Extractor Extractor
}

// Process downloads, stores and reads the photo.  It always returns the
// note for the agent; the error explains why nothing was saved.
func (p *PhotoIntake) Process(ctx context.Context, userID, fileID, mimeType string) (string, error) {
	data, detected, err := p.Files.DownloadFile(ctx, fileID)
	if err != nil {
		return core.PhotoUnreadableNote, fmt.Errorf("download photo: %w", err)
	}
	if mimeType == "" {
		mimeType = detected
	}

	if err := p.Store.SaveAttachment(ctx, &pkg.Attachment{
		UserID:   userID,
		FileID:   fileID,
		MimeType: mimeType,
		Data:     data,
	}); err != nil {
		return core.PhotoUnreadableNote, fmt.Errorf("save photo: %w", err)
	}

	extraction, err := p.Extractor.Extract(ctx, data, mimeType)
	if errors.Is(err, tools.ErrNotPrescription) {
		return core.PhotoNotPrescriptionNote, err
	}
	if err != nil {
		return core.PhotoUnreadableNote, fmt.Errorf("read photo: %w", err)
	}

	var b strings.Builder
	b.WriteString(core.PhotoSavedNote)
	for _, rx := range extraction.Prescriptions(userID) {
		if err := p.Store.AddPrescription(ctx, &rx); err != nil {
			return core.PhotoUnreadableNote, fmt.Errorf("save prescription %q: %w", rx.Name, err)
		}
		fmt.Fprintf(&b, "\n- %s", rx.Name)
		for _, detail := range []string{rx.Dosage, rx.Frequency, rx.Instructions} {
			if detail != "" {
				b.WriteString(", ")
				b.WriteString(detail)
			}
		}
		fmt.Fprintf(&b, " (id %s)", rx.ID)
	}
	if extraction.Notes != "" {
		fmt.Fprintf(&b, "\nOther text on the prescription: %s", extraction.Notes)
	}
	return b.String(), nil
}

package scan

import (
	"context"
	"errors"
	"image"
	"log/slog"

	"go-healthscan/models"
	"go-healthscan/payload"
	"go-healthscan/qr"
)

// ScanStill runs the whole pipeline against one uploaded image: decode,
// parse, resolve. Unlike a live session a decode miss is terminal here, with
// a distinct message from the not-a-medical-code case so the operator knows
// whether to retake the photo or to question the code itself.
func ScanStill(ctx context.Context, decoder Decoder, resolver Resolver, img image.Image) (models.ScanOutcome, error) {
	if !decoder.Ready() {
		return models.ScanOutcome{Status: models.ScanStatusError, Message: "scanner is not ready, try again"}, ErrScannerNotReady
	}

	code, err := decoder.Decode(img)
	if err != nil {
		if errors.Is(err, qr.ErrNoCode) {
			return models.ScanOutcome{Status: models.ScanStatusError, Message: "no QR code found in image"}, nil
		}
		return models.ScanOutcome{Status: models.ScanStatusError, Message: "could not read the image"}, err
	}

	parsed, err := payload.Parse(code.RawText)
	if err != nil {
		return models.ScanOutcome{Status: models.ScanStatusError, Message: "not a medical code"}, nil
	}

	vm, err := resolver.Resolve(ctx, *parsed)
	if err != nil {
		slog.Warn("failed to resolve scanned subject", "subject_id", parsed.SubjectID, "error", err)
		return models.ScanOutcome{Status: models.ScanStatusError, Message: "could not load a record for this code"}, nil
	}
	return models.ScanOutcome{Status: models.ScanStatusSuccess, Message: "record loaded", ViewModel: &vm}, nil
}

package ocr

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	vision "google.golang.org/api/vision/v1"

	"github.com/rezkam/towncrier/internal/domain"
)

// Vision recognizes page images with the Google Cloud Vision API using
// document text detection.
type Vision struct {
	images        *vision.ImagesService
	languageHints []string
}

var _ Backend = (*Vision)(nil)

// NewVision creates the backend. credentialsFile may be empty, in which case
// the client uses application default credentials. languages are BCP-47
// hints passed with every request.
func NewVision(ctx context.Context, credentialsFile string, languages []string) (*Vision, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	svc, err := vision.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create vision client: %w", err)
	}
	return &Vision{images: svc.Images, languageHints: languages}, nil
}

func (v *Vision) Name() string { return BackendVision }

// Recognize annotates one page image. Quota and server-side failures are
// transient; a rejected image is a permanent failure of the page.
func (v *Vision) Recognize(ctx context.Context, imagePath string) (string, error) {
	raw, err := os.ReadFile(imagePath)
	if err != nil {
		return "", domain.Transient(fmt.Errorf("failed to read page image: %w", err))
	}

	req := &vision.BatchAnnotateImagesRequest{
		Requests: []*vision.AnnotateImageRequest{{
			Image:    &vision.Image{Content: base64.StdEncoding.EncodeToString(raw)},
			Features: []*vision.Feature{{Type: "DOCUMENT_TEXT_DETECTION"}},
		}},
	}
	if len(v.languageHints) > 0 {
		req.Requests[0].ImageContext = &vision.ImageContext{LanguageHints: v.languageHints}
	}

	resp, err := v.images.Annotate(req).Context(ctx).Do()
	if err != nil {
		return "", classifyVisionError(ctx, imagePath, err)
	}
	if len(resp.Responses) == 0 {
		return "", domain.Transient(fmt.Errorf("vision returned no response for %s", imagePath))
	}
	annotated := resp.Responses[0]
	if annotated.Error != nil {
		return "", domain.Permanent(domain.ClassOCR,
			fmt.Errorf("vision rejected %s: %s", imagePath, annotated.Error.Message))
	}
	if annotated.FullTextAnnotation == nil {
		// A blank page: no failure, just no text.
		return "", nil
	}
	return strings.TrimRight(annotated.FullTextAnnotation.Text, "\n"), nil
}

func classifyVisionError(ctx context.Context, imagePath string, err error) error {
	if ctx.Err() != nil {
		return domain.Transient(fmt.Errorf("vision request interrupted: %w", ctx.Err()))
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code >= http.StatusInternalServerError || apiErr.Code == http.StatusTooManyRequests:
			return domain.Transient(fmt.Errorf("vision unavailable (%d): %w", apiErr.Code, err))
		case apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden:
			return domain.Critical(fmt.Errorf("vision credentials rejected: %w", err))
		default:
			return domain.Permanent(domain.ClassOCR, fmt.Errorf("vision failed on %s: %w", imagePath, err))
		}
	}
	return domain.Transient(fmt.Errorf("vision request failed: %w", err))
}

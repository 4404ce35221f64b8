package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"log"
	"strings"
	"text/template"
	"time"

	"github.com/hibiken/asynq"
	"github.com/nfnt/resize"
	"github.com/redis/go-redis/v9"

	"gavel/internal/config"
	"gavel/internal/email"
	"gavel/internal/models"
	"gavel/internal/services"
	"gavel/internal/storage"
	"gavel/internal/utils"
)

// Task types.
const (
	TypeEmailDelivery   = "email:deliver"
	TypeImageProcess    = "image:process"
	TypeSettlementSweep = "auction:sweep"
)

// Enqueuer is the slice of asynq.Client the handlers need. Satisfied by
// *asynq.Client and mockable in tests.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// --- Task Client (Enqueuing tasks) ---

func NewClient(rdb *redis.Client) *asynq.Client {
	return asynq.NewClient(asynq.RedisClientOpt{
		Addr:     rdb.Options().Addr,
		Password: rdb.Options().Password,
		DB:       rdb.Options().DB,
	})
}

// EmailTaskPayload names an email template and its rendering data.
type EmailTaskPayload struct {
	To       string                 `json:"to"`
	Template string                 `json:"template"`
	Data     map[string]interface{} `json:"data"`
}

// NewEmailDeliveryTask builds an email delivery task.
func NewEmailDeliveryTask(to, templateName string, data map[string]interface{}) (*asynq.Task, error) {
	payload, err := json.Marshal(EmailTaskPayload{To: to, Template: templateName, Data: data})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal email task payload: %w", err)
	}
	return asynq.NewTask(TypeEmailDelivery, payload, asynq.Queue("default")), nil
}

// ImageTaskPayload identifies the raw upload to normalize.
type ImageTaskPayload struct {
	S3Key     string `json:"s3_key"`
	ListingID string `json:"listing_id"`
}

// NewImageProcessTask builds an image normalization task.
func NewImageProcessTask(listingID utils.SixID, s3Key string) (*asynq.Task, error) {
	payload, err := json.Marshal(ImageTaskPayload{S3Key: s3Key, ListingID: listingID.String()})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal image task payload: %w", err)
	}
	return asynq.NewTask(TypeImageProcess, payload, asynq.Queue("images")), nil
}

// NewSettlementSweepTask builds a sweep task. The sweep re-enqueues
// itself, so one initial enqueue at startup keeps the loop running.
func NewSettlementSweepTask() *asynq.Task {
	return asynq.NewTask(TypeSettlementSweep, nil, asynq.Queue("critical"), asynq.MaxRetry(0))
}

// --- Settlement notifications ---

// Notifier enqueues the outcome emails for settled listings. Settlement
// can be won by the sweep task, the read path or the admin endpoint, and
// a listing settles exactly once, so every caller reports its results
// here or the emails are lost.
type Notifier struct {
	listingService services.IListingService
	userService    services.IUserService
	taskClient     Enqueuer
}

// NewNotifier creates a Notifier.
func NewNotifier(listingService services.IListingService, userService services.IUserService, taskClient Enqueuer) *Notifier {
	return &Notifier{
		listingService: listingService,
		userService:    userService,
		taskClient:     taskClient,
	}
}

// NotifyResult enqueues the seller and winner emails for one settlement
// result. No-op unless the call actually moved the listing into a
// terminal state. Best effort: failures are logged and never propagate.
func (n *Notifier) NotifyResult(ctx context.Context, res services.SettlementResult) {
	if !res.Changed || !res.Status.Terminal() {
		return
	}

	listing, err := n.listingService.FindListingByID(ctx, res.ListingID)
	if err != nil {
		log.Printf("Cannot notify for listing %s: %v", res.ListingID.String(), err)
		return
	}

	if seller, err := n.userService.FindUserByID(ctx, listing.SellerID); err == nil {
		n.enqueueEmail(ctx, seller.Email, "auction-ended", map[string]interface{}{
			"Name":   seller.Name,
			"Title":  listing.Title,
			"Status": string(res.Status),
		})
	} else {
		log.Printf("Cannot notify seller of listing %s: %v", res.ListingID.String(), err)
	}

	if res.Status == models.StatusSold && res.WinnerID != nil {
		if winner, err := n.userService.FindUserByID(ctx, *res.WinnerID); err == nil {
			n.enqueueEmail(ctx, winner.Email, "auction-won", map[string]interface{}{
				"Name":   winner.Name,
				"Title":  listing.Title,
				"Amount": fmt.Sprintf("%.2f", res.Amount),
			})
		} else {
			log.Printf("Cannot notify winner of listing %s: %v", res.ListingID.String(), err)
		}
	}
}

// NotifyResults enqueues outcome emails for every settled listing in results.
func (n *Notifier) NotifyResults(ctx context.Context, results []services.SettlementResult) {
	for _, res := range results {
		n.NotifyResult(ctx, res)
	}
}

func (n *Notifier) enqueueEmail(ctx context.Context, to, templateName string, data map[string]interface{}) {
	task, err := NewEmailDeliveryTask(to, templateName, data)
	if err != nil {
		log.Printf("Failed to build email task %s for %s: %v", templateName, to, err)
		return
	}
	if _, err := n.taskClient.EnqueueContext(ctx, task); err != nil {
		log.Printf("Failed to enqueue email task %s for %s: %v", templateName, to, err)
	}
}

// --- Task Server (Processing tasks) ---

// TaskProcessor holds dependencies needed by task handlers.
type TaskProcessor struct {
	cfg               *config.Config
	emailSender       email.Sender
	storageService    storage.IS3Storage
	listingService    services.IListingService
	settlementService services.ISettlementService
	taskClient        Enqueuer
	notifier          *Notifier
}

func NewTaskProcessor(
	cfg *config.Config,
	emailSender email.Sender,
	storageService storage.IS3Storage,
	listingService services.IListingService,
	userService services.IUserService,
	settlementService services.ISettlementService,
	taskClient Enqueuer,
) *TaskProcessor {
	return &TaskProcessor{
		cfg:               cfg,
		emailSender:       emailSender,
		storageService:    storageService,
		listingService:    listingService,
		settlementService: settlementService,
		taskClient:        taskClient,
		notifier:          NewNotifier(listingService, userService, taskClient),
	}
}

// SetupServer configures and returns an Asynq server instance with
// handlers registered per worker mode. Returns nil in API-only mode.
func SetupServer(rdb *redis.Client, processor *TaskProcessor, isImageWorker bool, isBgWorker bool) (*asynq.Server, *asynq.ServeMux) {
	if !isBgWorker && !isImageWorker {
		return nil, nil
	}

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     rdb.Options().Addr,
			Password: rdb.Options().Password,
			DB:       rdb.Options().DB,
		},
		asynq.Config{
			Queues: map[string]int{
				"critical": 6,
				"default":  3,
				"low":      1,
				"images":   5,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				log.Printf("[Asynq Error] Task Type: %s, Payload: %s, Error: %v", task.Type(), string(task.Payload()), err)
			}),
		},
	)

	mux := asynq.NewServeMux()
	if isBgWorker {
		mux.HandleFunc(TypeEmailDelivery, processor.HandleEmailDeliveryTask)
		mux.HandleFunc(TypeSettlementSweep, processor.HandleSettlementSweepTask)
	}
	if isImageWorker {
		mux.HandleFunc(TypeImageProcess, processor.HandleImageProcessTask)
	}

	return srv, mux
}

// --- Email templates ---

type emailTemplate struct {
	Subject string
	Body    string
}

// Inline notification templates, rendered with text/template.
var emailTemplates = map[string]emailTemplate{
	"listing-approved": {
		Subject: "Your listing {{.Title}} has been approved",
		Body:    "Hi {{.Name}},\r\n\r\nYour listing \"{{.Title}}\" was approved. Bidding opens at {{.OpenAt}} and closes at {{.CloseAt}}.\r\n",
	},
	"listing-rejected": {
		Subject: "Your listing {{.Title}} was not approved",
		Body:    "Hi {{.Name}},\r\n\r\nUnfortunately your listing \"{{.Title}}\" did not pass review and will not go to auction.\r\n",
	},
	"auction-won": {
		Subject: "You won the auction for {{.Title}}",
		Body:    "Hi {{.Name}},\r\n\r\nCongratulations, your bid of {{.Amount}} won the auction for \"{{.Title}}\". The seller will be in touch to arrange payment and delivery.\r\n",
	},
	"auction-ended": {
		Subject: "Your auction for {{.Title}} has ended",
		Body:    "Hi {{.Name}},\r\n\r\nYour auction for \"{{.Title}}\" has closed with status: {{.Status}}.\r\n",
	},
}

func renderTemplate(name string, data map[string]interface{}) (string, string, error) {
	tmpl, ok := emailTemplates[name]
	if !ok {
		return "", "", fmt.Errorf("unknown email template %q", name)
	}
	render := func(text string) (string, error) {
		t, err := template.New(name).Parse(text)
		if err != nil {
			return "", err
		}
		var buf strings.Builder
		if err := t.Execute(&buf, data); err != nil {
			return "", err
		}
		return buf.String(), nil
	}
	subject, err := render(tmpl.Subject)
	if err != nil {
		return "", "", fmt.Errorf("failed to render subject of %q: %w", name, err)
	}
	body, err := render(tmpl.Body)
	if err != nil {
		return "", "", fmt.Errorf("failed to render body of %q: %w", name, err)
	}
	return subject, body, nil
}

// --- Task Handlers ---

// HandleEmailDeliveryTask renders a notification template and sends it.
func (p *TaskProcessor) HandleEmailDeliveryTask(ctx context.Context, t *asynq.Task) error {
	var payload EmailTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal email task payload: %v: %w", err, asynq.SkipRetry)
	}

	subject, body, err := renderTemplate(payload.Template, payload.Data)
	if err != nil {
		// Bad template or data never improves on retry.
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	rawMessage := email.BuildMessage(p.cfg.SmtpFromAddress, []string{payload.To}, subject, body)
	if err := p.emailSender.Send(ctx, []string{payload.To}, subject, rawMessage); err != nil {
		return fmt.Errorf("email delivery to %s failed: %w", payload.To, err)
	}

	log.Printf("Email task processed: To=%s, Template=%s", payload.To, payload.Template)
	return nil
}

// HandleImageProcessTask normalizes an uploaded listing image: size cap,
// dimension cap with Lanczos downscale, JPEG re-encode, then records the
// key on the listing.
func (p *TaskProcessor) HandleImageProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload ImageTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal image task payload: %v: %w", err, asynq.SkipRetry)
	}

	listingID, err := utils.ParseSixID(payload.ListingID)
	if err != nil {
		return fmt.Errorf("invalid listing ID in payload: %w", asynq.SkipRetry)
	}

	imgData, err := p.storageService.GetObject(ctx, payload.S3Key)
	if err != nil {
		return fmt.Errorf("failed to download image %s: %w", payload.S3Key, err)
	}

	maxSizeBytes := int64(p.cfg.ImageMaxSizeMB) * 1024 * 1024
	if int64(len(imgData)) > maxSizeBytes {
		log.Printf("Image %s exceeds max size (%d > %d bytes), discarding.", payload.S3Key, len(imgData), maxSizeBytes)
		_ = p.storageService.DeleteObject(ctx, payload.S3Key)
		return fmt.Errorf("image exceeds max size: %w", asynq.SkipRetry)
	}

	img, format, err := image.Decode(bytes.NewReader(imgData))
	if err != nil {
		log.Printf("Image %s is not decodable (%v), discarding.", payload.S3Key, err)
		_ = p.storageService.DeleteObject(ctx, payload.S3Key)
		return fmt.Errorf("unsupported or corrupt image: %w", asynq.SkipRetry)
	}

	maxDim := uint(p.cfg.ImageMaxDimension)
	processedData := imgData
	contentType := "image/" + format
	if uint(img.Bounds().Dx()) > maxDim || uint(img.Bounds().Dy()) > maxDim {
		resized := resize.Thumbnail(maxDim, maxDim, img, resize.Lanczos3)
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, resized, &jpeg.Options{Quality: 85}); err != nil {
			return fmt.Errorf("failed to re-encode resized image %s: %w", payload.S3Key, err)
		}
		processedData = buf.Bytes()
		contentType = "image/jpeg"
	}

	if err := p.storageService.PutObject(ctx, payload.S3Key, contentType, processedData); err != nil {
		return fmt.Errorf("failed to upload processed image %s: %w", payload.S3Key, err)
	}

	if err := p.listingService.AddImageToListing(ctx, listingID, payload.S3Key); err != nil {
		return fmt.Errorf("failed to record image %s on listing %s: %w", payload.S3Key, payload.ListingID, err)
	}

	log.Printf("Image task processed: Key=%s, ListingID=%s", payload.S3Key, payload.ListingID)
	return nil
}

// HandleSettlementSweepTask runs one settlement sweep, emails the
// outcomes, and re-enqueues itself to run again after the configured
// interval. One initial enqueue at startup keeps the loop alive.
func (p *TaskProcessor) HandleSettlementSweepTask(ctx context.Context, t *asynq.Task) error {
	results, err := p.settlementService.Sweep(ctx, time.Now().UTC())
	if err != nil {
		log.Printf("Settlement sweep failed: %v", err)
	} else {
		p.notifier.NotifyResults(ctx, results)
	}

	_, enqErr := p.taskClient.EnqueueContext(ctx, NewSettlementSweepTask(), asynq.ProcessIn(p.cfg.SweepInterval))
	if enqErr != nil {
		log.Printf("ERROR failed to re-enqueue settlement sweep: %v", enqErr)
		return enqErr
	}
	return err
}

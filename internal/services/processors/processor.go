package processors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/menulens/internal/common"
	"github.com/ternarybob/menulens/internal/interfaces"
	"github.com/ternarybob/menulens/internal/models"
	"github.com/ternarybob/menulens/internal/services/llm"
	"github.com/ternarybob/menulens/internal/storage/images"
	"golang.org/x/sync/errgroup"
)

// Generator is the model access the processor needs
type Generator interface {
	GenerateContent(ctx context.Context, request *llm.ContentRequest) (*llm.ContentResponse, error)
	GenerateImage(ctx context.Context, prompt string) (*llm.ImageResponse, error)
}

// ImageSaver persists generated images and returns their public URL
type ImageSaver interface {
	Save(ctx context.Context, data []byte, contentType string) (*images.StoredImage, error)
}

// Config selects models and limits for the stage processor
type Config struct {
	TargetLanguage   string
	TextModel        string // Empty uses the default provider's model
	VisionModel      string
	ImageConcurrency int // Images generated in parallel within one unit
}

// NewConfig builds the processor config from application config
func NewConfig(cfg *common.Config) Config {
	return Config{
		TargetLanguage:   cfg.LLM.TargetLanguage,
		ImageConcurrency: 2,
	}
}

// Processor runs every pipeline stage against the configured language and image models
type Processor struct {
	generator Generator
	images    ImageSaver
	config    Config
	logger    arbor.ILogger
}

// NewProcessor creates a model-backed stage processor
func NewProcessor(generator Generator, images ImageSaver, config Config, logger arbor.ILogger) *Processor {
	if config.TargetLanguage == "" {
		config.TargetLanguage = "English"
	}
	if config.ImageConcurrency <= 0 {
		config.ImageConcurrency = 1
	}
	return &Processor{
		generator: generator,
		images:    images,
		config:    config,
		logger:    logger,
	}
}

// ExtractItems reads dish lines from a menu photograph
func (p *Processor) ExtractItems(ctx context.Context, image []byte, mimeType string) ([]models.MenuItem, error) {
	if len(image) == 0 {
		return nil, errors.New("menu image is empty")
	}

	resp, err := p.generator.GenerateContent(ctx, &llm.ContentRequest{
		Model:             p.config.VisionModel,
		SystemInstruction: ocrSystemPrompt,
		Messages:          []interfaces.Message{{Role: "user", Content: "Transcribe the dishes on this menu."}},
		Image:             image,
		ImageMIMEType:     mimeType,
		JSONOutput:        true,
	})
	if err != nil {
		return nil, fmt.Errorf("ocr failed: %w", err)
	}

	var parsed ocrResponse
	if err := decodeJSON(resp.Text, &parsed); err != nil {
		return nil, fmt.Errorf("ocr: %w", err)
	}

	items := make([]models.MenuItem, 0, len(parsed.Items))
	for _, line := range parsed.Items {
		name := strings.TrimSpace(line.Name)
		if name == "" {
			continue
		}
		items = append(items, models.MenuItem{
			Index: len(items),
			Name:  name,
			Price: strings.TrimSpace(line.Price),
		})
	}

	p.logger.Debug().
		Int("items", len(items)).
		Str("provider", string(resp.Provider)).
		Msg("Menu items extracted")

	return items, nil
}

// Categorize assigns a category to every item, preserving order and count
func (p *Processor) Categorize(ctx context.Context, items []models.MenuItem) ([]models.MenuItem, error) {
	if len(items) == 0 {
		return []models.MenuItem{}, nil
	}

	resp, err := p.generator.GenerateContent(ctx, &llm.ContentRequest{
		Model:             p.config.TextModel,
		SystemInstruction: categorizeSystemPrompt,
		Messages:          []interfaces.Message{{Role: "user", Content: categorizePrompt(items)}},
		JSONOutput:        true,
	})
	if err != nil {
		return nil, fmt.Errorf("categorize failed: %w", err)
	}

	var parsed indexedResponse
	if err := decodeJSON(resp.Text, &parsed); err != nil {
		return nil, fmt.Errorf("categorize: %w", err)
	}
	categories, err := orderValues(parsed.Items, len(items), func(v indexedValue) string { return v.Category })
	if err != nil {
		return nil, fmt.Errorf("categorize: %w", err)
	}

	out := make([]models.MenuItem, len(items))
	for i, item := range items {
		item.Category = categories[i]
		out[i] = item
	}
	return out, nil
}

// Translate fills TranslatedName for every item of the unit
func (p *Processor) Translate(ctx context.Context, unit models.Unit) models.UnitResult {
	return p.textStage(ctx, unit,
		fmt.Sprintf(translateSystemPromptTemplate, p.config.TargetLanguage, p.config.TargetLanguage),
		translatePrompt(unit.Category, unit.Items),
		func(v indexedValue) string { return v.TranslatedName },
		func(item *models.MenuItem, value string) { item.TranslatedName = value },
	)
}

// Describe fills Description for every item of the unit
func (p *Processor) Describe(ctx context.Context, unit models.Unit) models.UnitResult {
	return p.textStage(ctx, unit,
		fmt.Sprintf(describeSystemPromptTemplate, p.config.TargetLanguage),
		describePrompt(unit.Category, unit.Items),
		func(v indexedValue) string { return v.Description },
		func(item *models.MenuItem, value string) { item.Description = value },
	)
}

// textStage runs one batched prompt for the unit and maps the answers back by position
func (p *Processor) textStage(
	ctx context.Context,
	unit models.Unit,
	system string,
	prompt string,
	field func(indexedValue) string,
	apply func(*models.MenuItem, string),
) models.UnitResult {
	start := time.Now()

	resp, err := p.generator.GenerateContent(ctx, &llm.ContentRequest{
		Model:             p.config.TextModel,
		SystemInstruction: system,
		Messages:          []interfaces.Message{{Role: "user", Content: prompt}},
		JSONOutput:        true,
	})
	if err != nil {
		return models.Failed(unit.ID, fmt.Errorf("%s: %w", unit.Stage, err))
	}

	var parsed indexedResponse
	if err := decodeJSON(resp.Text, &parsed); err != nil {
		return models.Failed(unit.ID, fmt.Errorf("%s: %w", unit.Stage, err))
	}
	values, err := orderValues(parsed.Items, len(unit.Items), field)
	if err != nil {
		return models.Failed(unit.ID, fmt.Errorf("%s: %w", unit.Stage, err))
	}

	items := make([]models.MenuItem, len(unit.Items))
	for i, item := range unit.Items {
		apply(&item, values[i])
		items[i] = item
	}
	return models.Succeeded(unit.ID, string(resp.Provider), items, time.Since(start))
}

// Illustrate generates and stores one image per item. Any failed image fails the unit.
func (p *Processor) Illustrate(ctx context.Context, unit models.Unit) models.UnitResult {
	start := time.Now()
	items := make([]models.MenuItem, len(unit.Items))
	copy(items, unit.Items)

	var provider llm.ProviderType
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.ImageConcurrency)

	for i := range items {
		g.Go(func() error {
			prompt := ImagePrompt(unit.Category, items[i])
			image, err := p.generator.GenerateImage(gctx, prompt)
			if err != nil {
				return fmt.Errorf("item %d: %w", items[i].Index, err)
			}
			stored, err := p.images.Save(gctx, image.Data, image.MIMEType)
			if err != nil {
				return fmt.Errorf("item %d: %w", items[i].Index, err)
			}
			items[i].ImageURL = stored.URL
			items[i].ImagePrompt = prompt
			if i == 0 {
				provider = image.Provider
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return models.Failed(unit.ID, fmt.Errorf("image: %w", err))
	}
	return models.Succeeded(unit.ID, string(provider), items, time.Since(start))
}

var _ interfaces.StageProcessor = (*Processor)(nil)

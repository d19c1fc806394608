// Package weeklysummary implements the weekly diet summary pipeline: it
// analyzes a week of diet photos with the vision model and turns the
// aggregates into a coaching summary.
package weeklysummary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/DannyLioue/nutricoach-pro-sub001/internal/ai"
	"github.com/DannyLioue/nutricoach-pro-sub001/internal/models"
	"github.com/DannyLioue/nutricoach-pro-sub001/internal/runner"
)

// Step names and their progress bands.
const (
	StepAuth     = "auth"
	StepFetch    = "fetch"
	StepValidate = "validate"
	StepAnalyze  = "analyze"
	StepGenerate = "generate"
	StepSave     = "save"
)

// Generator builds the weekly-summary pipeline around the AI collaborator.
type Generator struct {
	ai    ai.Client
	retry runner.RetryConfig
}

// New ...
func New(client ai.Client, retry runner.RetryConfig) *Generator {
	return &Generator{ai: client, retry: retry}
}

// Pipeline returns the ordered steps for the weekly-summary-generation
// task kind.
func (g *Generator) Pipeline() runner.Pipeline {
	return runner.Pipeline{
		Kind: models.KindWeeklySummary,
		Steps: []runner.Step{
			{Name: StepAuth, BandStart: 0, BandEnd: 5, Run: g.auth},
			{Name: StepFetch, BandStart: 5, BandEnd: 10, Run: g.fetch},
			{Name: StepValidate, BandStart: 10, BandEnd: 15, Run: g.validate},
			{Name: StepAnalyze, BandStart: 15, BandEnd: 65, Run: g.analyze},
			{Name: StepGenerate, BandStart: 65, BandEnd: 80, Run: g.generate},
			{Name: StepSave, BandStart: 80, BandEnd: 95, Run: g.save},
		},
	}
}

// checkpoint is the persisted intermediate state. Analyses and failures are
// keyed by photo id so a resumed run never repeats a finished vision call.
type checkpoint struct {
	Analyses map[string]models.PhotoAnalysis `json:"analyses,omitempty"`
	Failed   map[string]string               `json:"failed,omitempty"`
	Photos   []models.PhotoRef               `json:"photos,omitempty"`
	Summary  string                          `json:"summary,omitempty"`
}

func loadCheckpoint(sc *runner.StepContext) (*checkpoint, error) {
	cp := &checkpoint{}
	if raw := sc.Checkpoint(); len(raw) > 0 {
		if err := json.Unmarshal(raw, cp); err != nil {
			return nil, fmt.Errorf("corrupt checkpoint: %w", err)
		}
	}
	if cp.Analyses == nil {
		cp.Analyses = make(map[string]models.PhotoAnalysis)
	}
	if cp.Failed == nil {
		cp.Failed = make(map[string]string)
	}
	return cp, nil
}

func (cp *checkpoint) marshal() []byte {
	raw, _ := json.Marshal(cp)
	return raw
}

func loadParameters(sc *runner.StepContext) (*models.SummaryParameters, error) {
	var params models.SummaryParameters
	if err := json.Unmarshal(sc.Parameters(), &params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task parameters: %w", err)
	}
	return &params, nil
}

func (g *Generator) auth(_ context.Context, sc *runner.StepContext) error {
	params, err := loadParameters(sc)
	if err != nil {
		return err
	}
	if params.ClientID == "" {
		return errors.New("client id missing from parameters")
	}
	if params.ClientID != sc.Task().OwnerID {
		return fmt.Errorf("parameters client id %q does not match task owner %q", params.ClientID, sc.Task().OwnerID)
	}
	return nil
}

func (g *Generator) fetch(ctx context.Context, sc *runner.StepContext) error {
	params, err := loadParameters(sc)
	if err != nil {
		return err
	}
	cp, err := loadCheckpoint(sc)
	if err != nil {
		return err
	}
	if len(cp.Photos) > 0 {
		return nil
	}
	cp.Photos = params.Photos
	return sc.SaveCheckpoint(ctx, cp.marshal())
}

func (g *Generator) validate(_ context.Context, sc *runner.StepContext) error {
	params, err := loadParameters(sc)
	if err != nil {
		return err
	}
	cp, err := loadCheckpoint(sc)
	if err != nil {
		return err
	}
	if len(cp.Photos) == 0 {
		return errors.New("no diet photos to analyze for this week")
	}
	if _, err = time.Parse("2006-01-02", params.WeekStart); err != nil {
		return fmt.Errorf("invalid week_start %q: %w", params.WeekStart, err)
	}
	return nil
}

// analyze runs one vision call per photo. A single photo failing is a
// sub-item failure: it is recorded and skipped, the step continues with
// the remaining photos.
func (g *Generator) analyze(ctx context.Context, sc *runner.StepContext) error {
	cp, err := loadCheckpoint(sc)
	if err != nil {
		return err
	}

	total := len(cp.Photos)
	done := 0
	for _, photo := range cp.Photos {
		if _, ok := cp.Analyses[photo.ID]; ok {
			done++
			continue
		}
		if _, ok := cp.Failed[photo.ID]; ok {
			done++
			continue
		}

		analysis, analysisErr := g.analyzeWithRetry(ctx, photo)
		if analysisErr != nil {
			log.WithFields(log.Fields{
				"task_id":  sc.Task().ID,
				"photo_id": photo.ID,
				"error":    analysisErr,
			}).Warn("Photo analysis failed, skipping it")
			cp.Failed[photo.ID] = analysisErr.Error()
		} else {
			cp.Analyses[photo.ID] = *analysis
		}
		done++

		message := fmt.Sprintf("analyzed photo %d of %d", done, total)
		if err = sc.ReportSubItem(ctx, done, total, message, cp.marshal()); err != nil {
			return err
		}
	}
	return nil
}

func (g *Generator) analyzeWithRetry(ctx context.Context, photo models.PhotoRef) (*models.PhotoAnalysis, error) {
	var lastErr error
	for attempt := uint(0); attempt <= g.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(g.retry.NextBackoff(attempt - 1)):
			}
		}
		analysis, err := g.ai.AnalyzePhoto(ctx, photo)
		if err == nil {
			return analysis, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (g *Generator) generate(ctx context.Context, sc *runner.StepContext) error {
	cp, err := loadCheckpoint(sc)
	if err != nil {
		return err
	}
	if cp.Summary != "" {
		return nil
	}
	if len(cp.Analyses) == 0 {
		return errors.New("no photos could be analyzed, nothing to summarize")
	}

	params, err := loadParameters(sc)
	if err != nil {
		return err
	}

	summary, err := g.ai.GenerateSummary(ctx, buildPrompt(params, cp))
	if err != nil {
		return err
	}
	cp.Summary = summary
	return sc.SaveCheckpoint(ctx, cp.marshal())
}

func (g *Generator) save(_ context.Context, sc *runner.StepContext) error {
	cp, err := loadCheckpoint(sc)
	if err != nil {
		return err
	}
	params, err := loadParameters(sc)
	if err != nil {
		return err
	}

	result := models.SummaryResult{
		ClientID:       params.ClientID,
		WeekStart:      params.WeekStart,
		Summary:        cp.Summary,
		PerDay:         make(map[string]models.Nutrients),
		AnalyzedPhotos: len(cp.Analyses),
		FailedPhotos:   len(cp.Failed),
		TotalPhotos:    len(cp.Photos),
	}
	if len(cp.Failed) > 0 {
		result.Failures = cp.Failed
	}
	for _, analysis := range cp.Analyses {
		result.Totals.Add(analysis.Nutrients)
		day := result.PerDay[analysis.Day]
		day.Add(analysis.Nutrients)
		result.PerDay[analysis.Day] = day
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal summary result: %w", err)
	}
	sc.SetResult(raw)
	return nil
}

func buildPrompt(params *models.SummaryParameters, cp *checkpoint) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a weekly nutrition coaching summary for the week starting %s.\n", params.WeekStart)
	fmt.Fprintf(&b, "The client logged %d meals, %d of which were analyzed:\n", len(cp.Photos), len(cp.Analyses))
	for _, photo := range cp.Photos {
		analysis, ok := cp.Analyses[photo.ID]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "- %s %s: %s (%.0f kcal, %.0fg protein, %.0fg carbs, %.0fg fat)\n",
			analysis.Day, analysis.MealType, analysis.Description,
			analysis.Nutrients.Calories, analysis.Nutrients.ProteinG,
			analysis.Nutrients.CarbsG, analysis.Nutrients.FatG)
	}
	b.WriteString("Highlight trends, praise consistency, and give two concrete recommendations for next week.")
	return b.String()
}

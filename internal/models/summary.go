package models

import "time"

// KindWeeklySummary is the task kind for weekly diet summary generation.
const KindWeeklySummary = "weekly-summary-generation"

// PhotoRef points at one uploaded diet photo to analyze.
type PhotoRef struct {
	TakenAt  time.Time `json:"taken_at"`
	ID       string    `json:"id"`
	URL      string    `json:"url"`
	MealType string    `json:"meal_type,omitempty"`
	Notes    string    `json:"notes,omitempty"`
}

// SummaryParameters are the immutable inputs of a weekly-summary task.
type SummaryParameters struct {
	ClientID  string     `json:"client_id"`
	WeekStart string     `json:"week_start"`
	Photos    []PhotoRef `json:"photos"`
}

// Nutrients holds estimated macro values for a meal or an aggregate.
type Nutrients struct {
	Calories float64 `json:"calories"`
	ProteinG float64 `json:"protein_g"`
	CarbsG   float64 `json:"carbs_g"`
	FatG     float64 `json:"fat_g"`
}

// Add accumulates another estimate into the aggregate.
func (n *Nutrients) Add(other Nutrients) {
	n.Calories += other.Calories
	n.ProteinG += other.ProteinG
	n.CarbsG += other.CarbsG
	n.FatG += other.FatG
}

// PhotoAnalysis is the vision model's estimate for one photo.
type PhotoAnalysis struct {
	Nutrients   Nutrients `json:"nutrients"`
	PhotoID     string    `json:"photo_id"`
	Day         string    `json:"day"`
	MealType    string    `json:"meal_type,omitempty"`
	Description string    `json:"description"`
}

// SummaryResult is the final output of a weekly-summary task.
type SummaryResult struct {
	PerDay         map[string]Nutrients `json:"per_day"`
	Failures       map[string]string    `json:"failures,omitempty"`
	ClientID       string               `json:"client_id"`
	WeekStart      string               `json:"week_start"`
	Summary        string               `json:"summary"`
	Totals         Nutrients            `json:"totals"`
	AnalyzedPhotos int                  `json:"analyzed_photos"`
	FailedPhotos   int                  `json:"failed_photos"`
	TotalPhotos    int                  `json:"total_photos"`
}

package domain

import "time"

// RenderSnapshot is the immutable render input captured by the enqueuer.
// Workers render only from the snapshot and never re-fetch source records,
// so a menu edited after enqueue does not change an in-flight export.
type RenderSnapshot struct {
	TemplateID        string        `json:"template_id" validate:"required"`
	TemplateVersion   string        `json:"template_version" validate:"required"`
	TemplateName      string        `json:"template_name" validate:"required"`
	MenuData          MenuData      `json:"menu_data" validate:"required"`
	ExportOptions     ExportOptions `json:"export_options" validate:"required"`
	SnapshotCreatedAt time.Time     `json:"snapshot_created_at" validate:"required"`
	SnapshotVersion   int           `json:"snapshot_version" validate:"required"`
}

// MenuData is the fully denormalized menu payload.
type MenuData struct {
	ID         string         `json:"id" validate:"required"`
	Name       string         `json:"name" validate:"required"`
	Currency   string         `json:"currency"`
	Categories []MenuCategory `json:"categories" validate:"dive"`
	Items      []MenuItem     `json:"items" validate:"required,dive"`
	Footnote   string         `json:"footnote,omitempty"`
}

type MenuCategory struct {
	ID       string `json:"id"`
	Name     string `json:"name" validate:"required"`
	Position int    `json:"position"`
}

type MenuItem struct {
	ID          string         `json:"id"`
	Name        string         `json:"name" validate:"required"`
	Description string         `json:"description,omitempty"`
	Price       float64        `json:"price"`
	Category    string         `json:"category,omitempty"`
	ImageURL    string         `json:"image_url,omitempty"`
	Available   bool           `json:"available"`
	Modifiers   []ItemModifier `json:"modifiers,omitempty"`
	Variants    []ItemVariant  `json:"variants,omitempty"`
	Indicators  []string       `json:"indicators,omitempty"` // e.g. spicy, vegan
}

type ItemModifier struct {
	Name       string  `json:"name"`
	PriceDelta float64 `json:"price_delta"`
}

type ItemVariant struct {
	Name  string  `json:"name"`
	Price float64 `json:"price"`
}

// ExportOptions are the render options chosen at enqueue time.
type ExportOptions struct {
	Format        string         `json:"format" validate:"required,oneof=A4 Letter"`
	Orientation   string         `json:"orientation" validate:"omitempty,oneof=portrait landscape"`
	IncludeImages bool           `json:"include_images"`
	IncludePrices bool           `json:"include_prices"`
	Config        map[string]any `json:"config,omitempty"`
}

// Landscape reports whether the chosen orientation is landscape.
func (o ExportOptions) Landscape() bool { return o.Orientation == "landscape" }

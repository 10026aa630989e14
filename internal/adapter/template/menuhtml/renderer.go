// Package menuhtml turns a render snapshot into a standalone HTML document
// for the headless browser. Rendering is pure: the same snapshot always
// produces the same markup, and nothing here touches the network.
package menuhtml

import (
	"embed"
	"fmt"
	"html/template"
	"sort"
	"strconv"
	"strings"

	"github.com/leonclem/one-minute-menu-sub000/internal/config"
	"github.com/leonclem/one-minute-menu-sub000/internal/domain"
)

//go:embed templates/menu.tmpl
var templateFS embed.FS

// Renderer implements domain.TemplateRenderer over the embedded layout
// family. Image URLs are checked against the operator allowlist here, before
// any markup exists, so an untrusted URL fails the job as permanent
// validation instead of silently rendering a broken image.
type Renderer struct {
	tmpl      *template.Template
	allowlist config.RenderAllowlist
}

func NewRenderer(allowlist config.RenderAllowlist) (*Renderer, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/menu.tmpl")
	if err != nil {
		return nil, fmt.Errorf("op=template.parse: %w", err)
	}
	return &Renderer{tmpl: tmpl, allowlist: allowlist}, nil
}

// Render produces the full HTML document for one snapshot.
func (r *Renderer) Render(snap domain.RenderSnapshot) (string, error) {
	variant := strings.ToLower(strings.TrimSpace(snap.TemplateName))
	style, ok := variantStyles[variant]
	if !ok {
		return "", fmt.Errorf("op=template.render: unknown template %q: %w", snap.TemplateName, domain.ErrInvalidArgument)
	}

	view := menuView{
		Title:    snap.MenuData.Name,
		Variant:  variant,
		PageSize: pageSize(snap.ExportOptions),
		Style:    style,
		Footnote: snap.MenuData.Footnote,
	}
	secs, err := r.sections(snap.MenuData, snap.ExportOptions)
	if err != nil {
		return "", err
	}
	view.Sections = secs

	var b strings.Builder
	if err := r.tmpl.Execute(&b, view); err != nil {
		return "", fmt.Errorf("op=template.render: %w", err)
	}
	return b.String(), nil
}

type menuView struct {
	Title    string
	Variant  string
	PageSize template.CSS
	Style    template.CSS
	Sections []sectionView
	Footnote string
}

type sectionView struct {
	Name  string
	Items []itemView
}

type itemView struct {
	Name        string
	Description string
	Price       string
	ImageURL    template.URL
	Indicators  []string
	Variants    []variantView
	Modifiers   []modifierView
}

type variantView struct {
	Name  string
	Price string
}

type modifierView struct {
	Name  string
	Delta string
}

// sections groups available items under their categories. Categories order
// by position then name; items keep enqueue order within a category;
// uncategorized items trail in an unnamed section. Empty sections drop out.
func (r *Renderer) sections(m domain.MenuData, opts domain.ExportOptions) ([]sectionView, error) {
	cats := append([]domain.MenuCategory(nil), m.Categories...)
	sort.SliceStable(cats, func(i, j int) bool {
		if cats[i].Position != cats[j].Position {
			return cats[i].Position < cats[j].Position
		}
		return cats[i].Name < cats[j].Name
	})

	secs := make([]sectionView, len(cats)+1)
	index := make(map[string]int, 2*len(cats))
	for i, c := range cats {
		secs[i].Name = c.Name
		// Items reference categories by id or by name depending on the
		// enqueuer version.
		if c.ID != "" {
			index[c.ID] = i
		}
		if _, taken := index[c.Name]; !taken {
			index[c.Name] = i
		}
	}

	for _, it := range m.Items {
		if !it.Available {
			continue
		}
		iv, err := r.itemView(it, m.Currency, opts)
		if err != nil {
			return nil, err
		}
		slot := len(secs) - 1
		if i, ok := index[it.Category]; ok {
			slot = i
		}
		secs[slot].Items = append(secs[slot].Items, iv)
	}

	out := secs[:0]
	for _, s := range secs {
		if len(s.Items) > 0 {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *Renderer) itemView(it domain.MenuItem, currency string, opts domain.ExportOptions) (itemView, error) {
	iv := itemView{
		Name:        it.Name,
		Description: it.Description,
		Indicators:  it.Indicators,
	}
	if opts.IncludePrices && it.Price > 0 {
		iv.Price = formatPrice(currency, it.Price)
	}
	if opts.IncludeImages && it.ImageURL != "" {
		if !r.allowlist.Allows(it.ImageURL) {
			return itemView{}, fmt.Errorf("op=template.render: image url %q: %w", it.ImageURL, domain.ErrUntrustedURL)
		}
		// Allowlist-checked above; the typed URL skips html/template's
		// scheme filter, which would otherwise reject data: images.
		iv.ImageURL = template.URL(it.ImageURL)
	}
	for _, v := range it.Variants {
		vv := variantView{Name: v.Name}
		if opts.IncludePrices {
			vv.Price = formatPrice(currency, v.Price)
		}
		iv.Variants = append(iv.Variants, vv)
	}
	for _, mod := range it.Modifiers {
		mv := modifierView{Name: mod.Name}
		if opts.IncludePrices {
			mv.Delta = formatDelta(currency, mod.PriceDelta)
		}
		iv.Modifiers = append(iv.Modifiers, mv)
	}
	return iv, nil
}

// pageSize maps export options onto a CSS @page size declaration. The
// browser is told to prefer CSS page size, so this is what prints.
func pageSize(opts domain.ExportOptions) template.CSS {
	size := "A4"
	if strings.EqualFold(opts.Format, "Letter") {
		size = "letter"
	}
	if opts.Landscape() {
		size += " landscape"
	}
	return template.CSS(size)
}

var currencySymbols = map[string]string{
	"USD": "$",
	"SGD": "S$",
	"EUR": "€",
	"GBP": "£",
	"MYR": "RM",
	"AUD": "A$",
	"NZD": "NZ$",
	"HKD": "HK$",
	"INR": "₹",
	"JPY": "¥",
}

func formatPrice(currency string, v float64) string {
	amount := strconv.FormatFloat(v, 'f', 2, 64)
	code := strings.ToUpper(strings.TrimSpace(currency))
	if sym, ok := currencySymbols[code]; ok {
		return sym + amount
	}
	if code == "" {
		return amount
	}
	return code + " " + amount
}

func formatDelta(currency string, v float64) string {
	if v < 0 {
		return "-" + formatPrice(currency, -v)
	}
	return "+" + formatPrice(currency, v)
}

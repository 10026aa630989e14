package menuhtml

import "html/template"

// variantStyles is the built-in layout family, keyed by normalized template
// name. Anything outside this set is an enqueuer bug and fails the job as
// permanent input.
var variantStyles = map[string]template.CSS{
	"classic": classicCSS,
	"modern":  modernCSS,
	"minimal": minimalCSS,
}

const classicCSS template.CSS = `
body.classic { font-family: Georgia, 'Times New Roman', serif; color: #2b2b2b; }
body.classic header h1 { font-size: 28pt; text-align: center; letter-spacing: 1px; border-bottom: 3px double #2b2b2b; padding-bottom: 8px; }
body.classic .category h2 { font-size: 16pt; text-align: center; text-transform: uppercase; letter-spacing: 2px; margin: 18px 0 8px; }
body.classic .item-head { border-bottom: 1px dotted #999; }
body.classic .item-price { font-weight: bold; }
body.classic footer p { text-align: center; font-style: italic; font-size: 9pt; }
`

const modernCSS template.CSS = `
body.modern { font-family: 'Helvetica Neue', Arial, sans-serif; color: #1a1a2e; }
body.modern header h1 { font-size: 30pt; font-weight: 800; color: #e94560; margin-bottom: 4px; }
body.modern .category h2 { font-size: 13pt; font-weight: 700; text-transform: uppercase; color: #0f3460; background: #f2f4f8; padding: 4px 10px; border-radius: 4px; }
body.modern .item-name { font-weight: 600; }
body.modern .item-price { color: #e94560; font-weight: 700; }
body.modern .indicator { background: #0f3460; color: #fff; }
body.modern footer p { color: #666; font-size: 9pt; }
`

const minimalCSS template.CSS = `
body.minimal { font-family: 'Helvetica Neue', Arial, sans-serif; color: #222; }
body.minimal header h1 { font-size: 22pt; font-weight: 300; margin-bottom: 2px; }
body.minimal .category h2 { font-size: 11pt; font-weight: 400; text-transform: uppercase; letter-spacing: 3px; color: #888; margin: 20px 0 6px; }
body.minimal .item-desc { color: #777; }
body.minimal .indicator { border: 1px solid #bbb; color: #555; background: none; }
body.minimal footer p { color: #aaa; font-size: 8pt; }
`

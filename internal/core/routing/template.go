package routing

import "strings"

// RenderTemplate substitutes {name} placeholders with values from vars.
// Unknown placeholders render as empty strings; an unterminated brace is
// passed through literally.
func RenderTemplate(template string, vars map[string]string) string {
	if template == "" || !strings.Contains(template, "{") {
		return template
	}

	var b strings.Builder
	b.Grow(len(template))
	for {
		open := strings.IndexByte(template, '{')
		if open < 0 {
			b.WriteString(template)
			return b.String()
		}
		closing := strings.IndexByte(template[open:], '}')
		if closing < 0 {
			b.WriteString(template)
			return b.String()
		}
		b.WriteString(template[:open])
		name := template[open+1 : open+closing]
		b.WriteString(vars[name])
		template = template[open+closing+1:]
	}
}

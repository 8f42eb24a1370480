package model

import (
	"strconv"
	"strings"
)

// Template is a reusable message body owned by an account. Placeholders are
// written {{1}}, {{2}} and so on.
type Template struct {
	OwnerID  string `json:"owner_id"`
	Name     string `json:"name"`
	Language string `json:"language"`
	Body     string `json:"body"`
}

// Render substitutes params into the placeholders of t. Placeholders
// without a matching parameter are left as written.
func (t Template) Render(params []string) string {
	if len(params) == 0 {
		return t.Body
	}
	pairs := make([]string, 0, 2*len(params))
	for i, p := range params {
		pairs = append(pairs, "{{"+strconv.Itoa(i+1)+"}}", p)
	}
	return strings.NewReplacer(pairs...).Replace(t.Body)
}

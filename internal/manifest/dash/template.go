package dash

import (
	"regexp"
	"strconv"
	"strings"
)

// templateVar matches $Identifier$ and $Identifier%0Nd$; $$ is an escaped dollar.
var templateVar = regexp.MustCompile(`\$(RepresentationID|Number|Time|Bandwidth)(%0(\d+)d)?\$|\$\$`)

type templateValues struct {
	RepresentationID string
	Number           uint64
	Time             uint64
	Bandwidth        int64
}

// expand substitutes the template identifiers of a media or initialization
// URL template.
func expand(tmpl string, v templateValues) string {
	return templateVar.ReplaceAllStringFunc(tmpl, func(match string) string {
		if match == "$$" {
			return "$"
		}
		sub := templateVar.FindStringSubmatch(match)
		width := 0
		if sub[3] != "" {
			width, _ = strconv.Atoi(sub[3])
		}

		switch sub[1] {
		case "RepresentationID":
			return v.RepresentationID
		case "Number":
			return pad(strconv.FormatUint(v.Number, 10), width)
		case "Time":
			return pad(strconv.FormatUint(v.Time, 10), width)
		case "Bandwidth":
			return pad(strconv.FormatInt(v.Bandwidth, 10), width)
		}
		return match
	})
}

func pad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}

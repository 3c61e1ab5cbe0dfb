package router

import (
	"strings"

	gwerrors "github.com/sable-systems/sentry/internal/errors"
)

// parsedModel is the result of §4.9 step 4: split a model id into its
// routing prefix and the remainder passed on to the target.
type parsedModel struct {
	Prefix string
	Rest   string
	Raw    string
}

// parseModelID splits "<prefix>:<rest>", rejecting a missing colon or an
// empty rest per §4.9 step 4 ("Empty rest is rejected").
func parseModelID(raw string) (parsedModel, error) {
	idx := strings.IndexByte(raw, ':')
	if idx < 0 {
		return parsedModel{}, gwerrors.New(gwerrors.KindValidation, "model id missing ':' prefix: "+raw)
	}
	prefix := raw[:idx]
	rest := raw[idx+1:]
	if rest == "" {
		return parsedModel{}, gwerrors.New(gwerrors.KindValidation, "model id has empty remainder: "+raw)
	}
	return parsedModel{Prefix: prefix, Rest: rest, Raw: raw}, nil
}

// resolveAlias applies the configured default-model alias map before
// dispatch, so e.g. "default" can be pinned to a concrete provider model
// without every caller knowing the real id.
func resolveAlias(raw string, aliases map[string]string) string {
	if aliases == nil {
		return raw
	}
	if resolved, ok := aliases[raw]; ok {
		return resolved
	}
	return raw
}

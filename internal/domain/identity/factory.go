package identity

import (
	"fmt"
	"strings"
)

// Compile turns an ordered list of resolver specs into a single resolver.
// One spec compiles to the resolver itself; several compile to a
// composite. Specs are parsed once here, never per request.
//
// Recognized specs (case-insensitive): "ip", "user", "user-id", "sub",
// "api-key", "client-id", "claim:<type>", "header:<name>".
// An unknown spec is a configuration error naming the spec.
func Compile(specs []string) (KeyResolver, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("identity: no key resolver specs given")
	}
	resolvers := make([]KeyResolver, 0, len(specs))
	for _, spec := range specs {
		r, err := compileOne(spec)
		if err != nil {
			return nil, err
		}
		resolvers = append(resolvers, r)
	}
	if len(resolvers) == 1 {
		return resolvers[0], nil
	}
	return NewCompositeResolver(resolvers...), nil
}

func compileOne(spec string) (KeyResolver, error) {
	trimmed := strings.TrimSpace(spec)
	switch strings.ToLower(trimmed) {
	case "ip":
		return IPResolver(), nil
	case "user", "user-id":
		return UserResolver(), nil
	case "sub":
		return SubjectResolver(), nil
	case "api-key":
		return APIKeyResolver(), nil
	case "client-id":
		return ClientIDResolver(), nil
	}
	if arg, ok := specArg(trimmed, "claim:"); ok {
		return ClaimResolver(arg), nil
	}
	if arg, ok := specArg(trimmed, "header:"); ok {
		return HeaderResolver(arg), nil
	}
	return nil, fmt.Errorf("identity: unknown key resolver spec %q", spec)
}

// specArg matches "<prefix><arg>" case-insensitively on the prefix and
// returns the argument with its original case (header and claim names
// keep their spelling).
func specArg(spec, prefix string) (string, bool) {
	if len(spec) <= len(prefix) {
		return "", false
	}
	if !strings.EqualFold(spec[:len(prefix)], prefix) {
		return "", false
	}
	arg := strings.TrimSpace(spec[len(prefix):])
	return arg, arg != ""
}

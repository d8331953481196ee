// Package validate checks request bodies against declarative JSON Schemas
// before any delegate runs.
package validate

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/benchwarmers/marketplace/internal/apperr"
)

// Schema names.
const (
	EscrowProcess      = "escrow_process"
	DisputeCreate      = "dispute_create"
	DisputeResolve     = "dispute_resolve"
	ReviewCreate       = "review_create"
	SubscriptionCreate = "subscription_create"
	CryptoEncrypt      = "crypto_encrypt"
	CryptoDecrypt      = "crypto_decrypt"
	AuthRegister       = "auth_register"
	AuthLogin          = "auth_login"
	CompanyMemberAdd   = "company_member_add"
)

// MaxBodyBytes caps how much of a request body is read.
const MaxBodyBytes = 1 << 20

const schemaBaseURL = "https://benchwarmers.dev/schemas/"

//go:embed schemas/*.json
var schemaFS embed.FS

var quoted = regexp.MustCompile(`'([^']+)'`)

type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// New compiles every embedded schema.
func New() (*Validator, error) {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, fmt.Errorf("read embedded schemas: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat = true

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := schemaFS.ReadFile("schemas/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", e.Name(), err)
		}
		name := strings.TrimSuffix(e.Name(), ".json")
		if err := c.AddResource(schemaBaseURL+e.Name(), bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("add schema %q: %w", name, err)
		}
		names = append(names, name)
	}

	schemas := make(map[string]*jsonschema.Schema, len(names))
	for _, name := range names {
		s, err := c.Compile(schemaBaseURL + name + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", name, err)
		}
		schemas[name] = s
	}
	return &Validator{schemas: schemas}, nil
}

// Validate checks raw JSON against the named schema.
func (v *Validator) Validate(schema string, raw []byte) error {
	s, ok := v.schemas[schema]
	if !ok {
		return fmt.Errorf("validate: unknown schema %q", schema)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return apperr.Validation("invalid JSON body")
	}
	if err := s.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return apperr.Validation("invalid request body", fieldErrors(ve)...)
		}
		return fmt.Errorf("validate %s: %w", schema, err)
	}
	return nil
}

// Decode reads the body, validates it against the named schema, then
// unmarshals it into dst.
func (v *Validator) Decode(body io.Reader, schema string, dst any) error {
	if body == nil {
		return apperr.Validation("request body is required")
	}
	raw, err := io.ReadAll(io.LimitReader(body, MaxBodyBytes+1))
	if err != nil {
		return apperr.Validation("failed to read request body")
	}
	if len(raw) > MaxBodyBytes {
		return apperr.Validation("request body too large")
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return apperr.Validation("request body is required")
	}
	if err := v.Validate(schema, raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return apperr.Validation("invalid JSON body")
	}
	return nil
}

func fieldErrors(ve *jsonschema.ValidationError) []apperr.FieldError {
	var out []apperr.FieldError
	seen := make(map[string]bool)
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) > 0 {
			for _, c := range e.Causes {
				walk(c)
			}
			return
		}
		for _, field := range fieldsOf(e) {
			key := field + "\x00" + e.Message
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, apperr.FieldError{Field: field, Message: e.Message})
		}
	}
	walk(ve)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

// fieldsOf names the offending field. Keywords that fail on the parent
// object (required, additionalProperties) quote the child names in the
// message instead of pointing at them.
func fieldsOf(e *jsonschema.ValidationError) []string {
	loc := strings.TrimPrefix(e.InstanceLocation, "/")
	if strings.HasSuffix(e.KeywordLocation, "/required") || strings.HasSuffix(e.KeywordLocation, "/additionalProperties") {
		var names []string
		for _, m := range quoted.FindAllStringSubmatch(e.Message, -1) {
			if loc != "" {
				names = append(names, loc+"/"+m[1])
			} else {
				names = append(names, m[1])
			}
		}
		if len(names) > 0 {
			return names
		}
	}
	if loc == "" {
		return []string{"(root)"}
	}
	return []string{loc}
}

package server

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

const schemaBaseURL = "https://moonbase.local/schemas/"

var (
	schemaOnce sync.Once
	schemas    map[string]*jsonschema.Schema
	schemaErr  error
)

// loadSchemas 编译内嵌的入站消息 schema，按消息类型索引
func loadSchemas() (map[string]*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		entries, err := fs.ReadDir(schemaFS, "schemas")
		if err != nil {
			schemaErr = err
			return
		}
		c := jsonschema.NewCompiler()
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			b, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
			if err != nil {
				schemaErr = err
				return
			}
			if err := c.AddResource(schemaBaseURL+e.Name(), strings.NewReader(string(b))); err != nil {
				schemaErr = fmt.Errorf("schema %s: %w", e.Name(), err)
				return
			}
			names = append(names, e.Name())
		}
		out := make(map[string]*jsonschema.Schema, len(names))
		for _, name := range names {
			s, err := c.Compile(schemaBaseURL + name)
			if err != nil {
				schemaErr = fmt.Errorf("schema %s: %w", name, err)
				return
			}
			out[strings.TrimSuffix(name, ".schema.json")] = s
		}
		schemas = out
	})
	return schemas, schemaErr
}

// ValidateInbound 按消息类型校验入站 JSON；未知类型与不合规消息均返回 ErrBadRequest
func ValidateInbound(payload []byte) error {
	set, err := loadSchemas()
	if err != nil {
		return err
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("%w: trailing data after message", ErrBadRequest)
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return fmt.Errorf("%w: message is not an object", ErrBadRequest)
	}
	typ, _ := obj["type"].(string)
	s, ok := set[typ]
	if !ok {
		return fmt.Errorf("%w: unknown message type %q", ErrBadRequest, typ)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return nil
}

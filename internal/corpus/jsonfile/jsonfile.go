// Package jsonfile reads a corpus from JSON dump files.
//
// Accepted layouts, streamed without buffering the whole file:
//   - a root array of objects,
//   - a root object whose first array-of-objects field holds the documents
//     (envelope, e.g. {"count": 2, "items": [...]}),
//   - a single root object,
//   - newline-delimited objects, also trailing any of the above.
//
// Numbers are decoded as json.Number so integer and float documents keep
// their distinction through type resolution.
package jsonfile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"ahnung/internal/corpus"
	"ahnung/pkg/records"
)

// Source streams documents from one or more files. Paths may be globs.
type Source struct {
	Paths []string
	Log   *zap.Logger
}

// New returns a Source over paths.
func New(log *zap.Logger, paths ...string) *Source {
	if log == nil {
		log = zap.NewNop()
	}
	return &Source{Paths: paths, Log: log}
}

// Files expands the globs in s.Paths, see corpus.Expand.
func (s *Source) Files() ([]string, error) { return corpus.Expand(s.Paths) }

// Each streams every document of every file in order.
func (s *Source) Each(ctx context.Context, fn func(records.Record) error) error {
	files, err := s.Files()
	if err != nil {
		return err
	}
	log := s.Log
	if log == nil {
		log = zap.NewNop()
	}
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := streamFile(ctx, path, fn)
		if err != nil {
			return err
		}
		log.Debug("corpus file read", zap.String("path", path), zap.Int("documents", n))
	}
	return nil
}

func streamFile(ctx context.Context, path string, fn func(records.Record) error) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("jsonfile: open: %w", err)
	}
	defer f.Close()

	n := 0
	err = Stream(ctx, f, func(r records.Record) error {
		n++
		return fn(r)
	})
	if err != nil {
		return n, fmt.Errorf("jsonfile: %s: %w", path, err)
	}
	return n, nil
}

// Stream decodes documents from r and hands each to fn.
func Stream(ctx context.Context, r io.Reader, fn func(records.Record) error) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	s := &streamer{ctx: ctx, dec: dec, fn: fn}

	tok, err := dec.Token()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("json: read first token: %w", err)
	}

	switch d := tok.(type) {
	case json.Delim:
		switch d {
		case '[':
			if err := s.array(); err != nil {
				return err
			}
			if err := s.expect(']'); err != nil {
				return err
			}
			return s.trailing()

		case '{':
			streamed, single, err := s.envelopeOrSingle()
			if err != nil {
				return err
			}
			if err := s.expect('}'); err != nil {
				return err
			}
			if !streamed {
				if err := s.emit(single); err != nil {
					return err
				}
			}
			return s.trailing()

		default:
			return fmt.Errorf("json: unsupported root delimiter %q", d)
		}

	default:
		return fmt.Errorf("json: unsupported root token %T (want object or array)", tok)
	}
}

type streamer struct {
	ctx  context.Context
	dec  *json.Decoder
	fn   func(records.Record) error
	docs int
}

func (s *streamer) emit(obj map[string]any) error {
	if err := s.ctx.Err(); err != nil {
		return err
	}
	s.docs++
	return s.fn(records.Record(obj))
}

func (s *streamer) expect(want json.Delim) error {
	end, err := s.dec.Token()
	if err != nil {
		return fmt.Errorf("json: read %q: %w", want, err)
	}
	if end != want {
		return fmt.Errorf("json: expected %q, got %v", want, end)
	}
	return nil
}

// trailing reads newline-delimited objects until EOF.
func (s *streamer) trailing() error {
	for {
		var obj map[string]any
		if err := s.dec.Decode(&obj); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("json: decode document %d: %w", s.docs+1, err)
		}
		if obj == nil {
			continue
		}
		if err := s.emit(obj); err != nil {
			return err
		}
	}
}

// array streams the elements of the current array after '['. Null elements
// are skipped; anything else that is not an object is an error.
func (s *streamer) array() error {
	for s.dec.More() {
		var raw any
		if err := s.dec.Decode(&raw); err != nil {
			return fmt.Errorf("json: decode document %d: %w", s.docs+1, err)
		}
		if raw == nil {
			continue
		}
		obj, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("json: document %d is not an object (got %T)", s.docs+1, raw)
		}
		if err := s.emit(obj); err != nil {
			return err
		}
	}
	return nil
}

// envelopeOrSingle walks a root object after '{'. The first array field is
// streamed as the documents and the remaining fields are skipped. Without
// such a field the object itself is returned as the only document.
func (s *streamer) envelopeOrSingle() (streamed bool, single map[string]any, _ error) {
	single = make(map[string]any)
	for s.dec.More() {
		keyTok, err := s.dec.Token()
		if err != nil {
			return false, nil, fmt.Errorf("json: read object key: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return false, nil, fmt.Errorf("json: object key not a string (got %T)", keyTok)
		}

		valTok, err := s.dec.Token()
		if err != nil {
			return false, nil, fmt.Errorf("json: read value of %q: %w", key, err)
		}

		if delim, ok := valTok.(json.Delim); ok && delim == '[' {
			if err := s.array(); err != nil {
				return false, nil, err
			}
			if err := s.expect(']'); err != nil {
				return false, nil, err
			}
			for s.dec.More() {
				if _, err := s.dec.Token(); err != nil {
					return true, nil, fmt.Errorf("json: skip envelope key: %w", err)
				}
				if err := skipNextValue(s.dec); err != nil {
					return true, nil, err
				}
			}
			return true, nil, nil
		}

		val, err := materialize(s.dec, valTok)
		if err != nil {
			return false, nil, err
		}
		single[key] = val
	}
	return false, single, nil
}

func skipNextValue(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("json: skip value: %w", err)
	}
	_, err = walk(dec, tok, false)
	return err
}

// materialize builds the Go value whose first token has already been read.
func materialize(dec *json.Decoder, tok json.Token) (any, error) {
	return walk(dec, tok, true)
}

// walk consumes one value starting at tok and, when keep is set, returns it.
func walk(dec *json.Decoder, tok json.Token, keep bool) (any, error) {
	d, ok := tok.(json.Delim)
	if !ok {
		return tok, nil
	}

	switch d {
	case '{':
		var m map[string]any
		if keep {
			m = make(map[string]any)
		}
		for dec.More() {
			kt, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("json: read nested key: %w", err)
			}
			k, ok := kt.(string)
			if !ok {
				return nil, fmt.Errorf("json: nested key not a string (got %T)", kt)
			}
			vt, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("json: read nested value: %w", err)
			}
			v, err := walk(dec, vt, keep)
			if err != nil {
				return nil, err
			}
			if keep {
				m[k] = v
			}
		}
		if err := expectDelim(dec, '}'); err != nil {
			return nil, err
		}
		if !keep {
			return nil, nil
		}
		return m, nil

	case '[':
		var arr []any
		for dec.More() {
			vt, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("json: read nested element: %w", err)
			}
			v, err := walk(dec, vt, keep)
			if err != nil {
				return nil, err
			}
			if keep {
				arr = append(arr, v)
			}
		}
		if err := expectDelim(dec, ']'); err != nil {
			return nil, err
		}
		if !keep {
			return nil, nil
		}
		return arr, nil

	default:
		return nil, fmt.Errorf("json: unexpected delimiter %q", d)
	}
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	end, err := dec.Token()
	if err != nil {
		return fmt.Errorf("json: read %q: %w", want, err)
	}
	if end != want {
		return fmt.Errorf("json: expected %q, got %v", want, end)
	}
	return nil
}

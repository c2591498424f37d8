// SPDX-License-Identifier: Apache-2.0

// Package xmlmerge merges Salesforce metadata XML documents.
//
// An update document is reconciled into a base document element by element. Each direct
// child of the document root is identified by a key derived from a per-element-type
// [MatchRule]; update elements whose key is missing from the base are appended, and
// matching elements are compared and synced according to the element's equality keys.
// The result is written with its root children sorted by tag.
package xmlmerge

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/beevik/etree"
	"github.com/rs/zerolog"
)

// Sentinel errors for simple error checking with [errors.Is].
// For detailed error information, use [errors.As] with the typed errors below.
var (
	// ErrUnknownMode indicates the requested mode is absent from the merge configuration.
	ErrUnknownMode = errors.New("unknown mode")
	// ErrInputNotFound indicates an input file does not exist.
	ErrInputNotFound = errors.New("input not found")
	// ErrMalformedXML indicates an input document could not be parsed.
	ErrMalformedXML = errors.New("malformed XML")
	// ErrInvalidRule indicates an invalid rule in a merge configuration.
	ErrInvalidRule = errors.New("invalid rule")
	// ErrDuplicateKey indicates two base elements resolved to the same key.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrNamespaceMismatch indicates a document root is in an unexpected namespace.
	ErrNamespaceMismatch = errors.New("namespace mismatch")
	// ErrMarshal indicates a configuration or report could not be encoded or decoded.
	ErrMarshal = errors.New("marshal error")
	// ErrInvalidOptions indicates invalid merge options were provided.
	ErrInvalidOptions = errors.New("invalid options")
)

var errNoRoot = errors.New("document has no root element")

// UnknownModeError is returned when a mode is not present in a [Configuration].
type UnknownModeError struct {
	// Mode is the requested mode.
	Mode string
	// Available lists the configured modes.
	Available []string
}

func (e *UnknownModeError) Error() string {
	return fmt.Sprintf("mode %q not found in merge configuration (available: %v)", e.Mode, e.Available)
}

func (e *UnknownModeError) Is(target error) bool {
	return target == ErrUnknownMode
}

// InputNotFoundError is returned when an input file is missing.
type InputNotFoundError struct {
	// Path is the missing file.
	Path string
	// Role describes the input, such as "base" or "update".
	Role string
}

func (e *InputNotFoundError) Error() string {
	return fmt.Sprintf("%s %s doesn't exist", e.Role, e.Path)
}

func (e *InputNotFoundError) Is(target error) bool {
	return target == ErrInputNotFound
}

// MalformedXMLError is returned when a document cannot be parsed.
type MalformedXMLError struct {
	// Document is "base" or "update", or the file path when known.
	Document string
	// Err is the parser error.
	Err error
}

func (e *MalformedXMLError) Error() string {
	return fmt.Sprintf("cannot parse %s document: %v", e.Document, e.Err)
}

func (e *MalformedXMLError) Unwrap() error {
	return e.Err
}

func (e *MalformedXMLError) Is(target error) bool {
	return target == ErrMalformedXML
}

// MarshalError is returned when a configuration or report cannot be encoded or decoded.
type MarshalError struct {
	// Err is the underlying error returned by a marshaling function.
	Err error
	// Source names the file or format being processed.
	Source string
}

func (e *MarshalError) Error() string {
	return fmt.Sprintf("cannot marshal %s: %v", e.Source, e.Err)
}

func (e *MarshalError) Unwrap() error {
	return e.Err
}

func (e *MarshalError) Is(target error) bool {
	return target == ErrMarshal
}

// DuplicateKeyError is returned when [Options.StrictDuplicates] is set and two base
// elements resolve to the same key.
type DuplicateKeyError struct {
	// Key is the duplicated key.
	Key string
	// Positions are the indices of the root children sharing the key.
	Positions []int
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("duplicate key %s in base document at positions %v", e.Key, e.Positions)
}

func (e *DuplicateKeyError) Is(target error) bool {
	return target == ErrDuplicateKey
}

// NamespaceMismatchError is returned when a document root is not in the merge namespace.
type NamespaceMismatchError struct {
	Document string
	Want     string
	Got      string
}

func (e *NamespaceMismatchError) Error() string {
	return fmt.Sprintf("%s document is in namespace %q, expected %q", e.Document, e.Got, e.Want)
}

func (e *NamespaceMismatchError) Is(target error) bool {
	return target == ErrNamespaceMismatch
}

// Options configures merge behavior.
type Options struct {
	// Namespace is the namespace URI shared by both documents. Key and equality children
	// are only matched in this namespace. Defaults to [SalesforceNamespace].
	Namespace string

	// Rules are the element rules of the active mode, usually obtained with
	// [Configuration.Mode].
	Rules TypeRules

	// StrictDuplicates turns duplicate keys in the base document into a
	// [DuplicateKeyError]. By default the last duplicate wins and a warning is logged.
	StrictDuplicates bool

	// Logger receives merge diagnostics. The zero value discards them.
	Logger zerolog.Logger
}

// Merger merges documents with the configured options.
//
// A Merger keeps no state between merges and is safe for concurrent use.
type Merger struct {
	opts Options
}

// NewMerger creates a new [Merger] with the given options.
// Returns an error if the options are invalid.
func NewMerger(opts Options) (*Merger, error) {
	if opts.Rules == nil {
		return nil, fmt.Errorf("%w: no element rules", ErrInvalidOptions)
	}
	for element, rule := range opts.Rules {
		if element == "" {
			return nil, fmt.Errorf("%w: empty element name in rules", ErrInvalidOptions)
		}
		if err := checkRule(rule); err != nil {
			return nil, fmt.Errorf("%w: element %s: %v", ErrInvalidOptions, element, err)
		}
	}
	if opts.Namespace == "" {
		opts.Namespace = SalesforceNamespace
	}
	return &Merger{opts: opts}, nil
}

func checkRule(rule ElementRule) error {
	switch m := rule.Match.(type) {
	case UniqueKeys:
		if len(m) == 0 {
			return errors.New("uniqueKeys cannot be empty")
		}
		if err := checkNames(m); err != nil {
			return err
		}
	case ExclusiveUniqueKeys:
		if len(m) == 0 {
			return errors.New("exclusiveUniqueKeys cannot be empty")
		}
		for _, group := range m {
			if len(group) == 0 {
				return errors.New("key group cannot be empty")
			}
			if err := checkNames(group); err != nil {
				return err
			}
		}
	}
	return checkNames(rule.EqualKeys)
}

// Options returns the merge options configured for this [Merger].
func (m *Merger) Options() Options {
	return m.opts
}

// ChangeKind classifies an entry of the change log.
type ChangeKind string

const (
	// ChangeAppend records an update element appended to the base.
	ChangeAppend ChangeKind = "append"
	// ChangeUpdate records an equality child overwritten with the update value.
	ChangeUpdate ChangeKind = "update"
	// ChangeSync records leaf text, or the whole content of an element without equality
	// keys, overwritten with the update value.
	ChangeSync ChangeKind = "sync"
)

// Change is one modification applied to the base document.
type Change struct {
	Kind        ChangeKind `json:"kind" yaml:"kind" toml:"kind"`
	Key         string     `json:"key" yaml:"key" toml:"key"`
	ElementType string     `json:"elementType" yaml:"elementType" toml:"elementType"`
	// Field is the child whose text changed, empty for appends and leaf syncs.
	Field string `json:"field,omitempty" yaml:"field,omitempty" toml:"field,omitempty"`
	Old   string `json:"old,omitempty" yaml:"old,omitempty" toml:"old,omitempty"`
	New   string `json:"new,omitempty" yaml:"new,omitempty" toml:"new,omitempty"`
}

// Record describes how one update element relates to the base document.
type Record struct {
	ElementType  string
	Element      *etree.Element
	ExistsInBase bool
	EqualToBase  bool
}

// Result is the outcome of a merge.
type Result struct {
	// Document is the merged document. Its root children are in merge order; use
	// [Finalize] to sort and serialize it.
	Document *etree.Document
	// Records holds one record per update key. Element points into Document when the
	// element exists in the base or was appended.
	Records map[string]*Record
	// Keys lists the update keys in document order.
	Keys []string
	// Changes lists every modification applied to the base, in order.
	Changes []Change
}

// Changed reports whether the merge modified the base document.
func (r *Result) Changed() bool {
	return len(r.Changes) > 0
}

// Count returns the number of changes of the given kind.
func (r *Result) Count(kind ChangeKind) int {
	n := 0
	for _, c := range r.Changes {
		if c.Kind == kind {
			n++
		}
	}
	return n
}

// Merge reconciles update into a copy of base. Neither input document is modified.
//
// Each update root child is keyed with the element rules. Children whose key is absent
// from the base are appended to the result root. Children whose key is present are
// compared with the matching base element; differences are written into the result
// as described on [ElementRule].
//
// Example:
//
//	cfg := DefaultConfiguration()
//	rules, _ := cfg.Mode("profiles")
//	m, _ := NewMerger(Options{Rules: rules})
//	result, _ := m.Merge(baseDoc, updateDoc)
//	out, _ := Finalize(result.Document, m.Options().Namespace)
func (m *Merger) Merge(base, update *etree.Document) (*Result, error) {
	if err := m.checkRoot("base", base); err != nil {
		return nil, err
	}
	if err := m.checkRoot("update", update); err != nil {
		return nil, err
	}

	out := base.Copy()
	root := out.Root()
	index, err := m.indexBase(root)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Document: out,
		Records:  make(map[string]*Record),
	}
	keys := m.newKeyBuilder("update")
	for _, child := range update.Root().ChildElements() {
		key := keys.key(child)
		if _, seen := result.Records[key]; seen {
			m.opts.Logger.Warn().Str("key", key).Msg("duplicate key in update document")
		} else {
			result.Keys = append(result.Keys, key)
		}

		existing, exists := index[key]
		if !exists {
			m.opts.Logger.Info().Str("key", key).Msg("appending new element")
			appended := detach(child)
			root.AddChild(appended)
			result.Records[key] = &Record{ElementType: child.Tag, Element: appended}
			result.Changes = append(result.Changes, Change{
				Kind:        ChangeAppend,
				Key:         key,
				ElementType: child.Tag,
			})
			continue
		}

		rule, configured := m.opts.Rules[child.Tag]
		equal, patch := compareElements(child, existing.Element, rule, configured, m.opts.Namespace)
		if patch != nil && patch.before != patch.after {
			patch.apply()
			result.Changes = append(result.Changes, m.logPatch(key, child.Tag, patch))
		}
		if !equal {
			m.opts.Logger.Debug().Str("key", key).Msg("updating element")
		}
		result.Records[key] = &Record{
			ElementType:  child.Tag,
			Element:      existing.Element,
			ExistsInBase: true,
			EqualToBase:  equal,
		}
	}
	return result, nil
}

func (m *Merger) checkRoot(name string, doc *etree.Document) error {
	if doc == nil || doc.Root() == nil {
		return &MalformedXMLError{Document: name, Err: errNoRoot}
	}
	if uri := namespaceURI(doc.Root()); uri != m.opts.Namespace {
		return &NamespaceMismatchError{Document: name, Want: m.opts.Namespace, Got: uri}
	}
	return nil
}

// indexBase keys every root child of the base. Later duplicates overwrite earlier ones.
func (m *Merger) indexBase(root *etree.Element) (map[string]*Record, error) {
	keys := m.newKeyBuilder("base")
	index := make(map[string]*Record)
	positions := make(map[string]int)
	for i, child := range root.ChildElements() {
		key := keys.key(child)
		if first, exists := positions[key]; exists {
			if m.opts.StrictDuplicates {
				return nil, &DuplicateKeyError{Key: key, Positions: []int{first, i}}
			}
			m.opts.Logger.Warn().
				Str("key", key).
				Ints("positions", []int{first, i}).
				Msg("duplicate key in base document, last element wins")
		} else {
			positions[key] = i
		}
		index[key] = &Record{ElementType: child.Tag, Element: child}
	}
	return index, nil
}

func (m *Merger) logPatch(key, elementType string, p *textPatch) Change {
	kind := ChangeSync
	if p.field != "" {
		kind = ChangeUpdate
		m.opts.Logger.Info().
			Str("key", key).
			Str("element", elementType).
			Str("field", p.field).
			Msgf("updating value %s with %s", p.before, p.after)
	} else {
		m.opts.Logger.Info().
			Str("key", key).
			Msgf("updating value %s with %s", p.before, p.after)
	}
	return Change{
		Kind:        kind,
		Key:         key,
		ElementType: elementType,
		Field:       p.field,
		Old:         p.before,
		New:         p.after,
	}
}

// keyBuilder derives element keys for one document. Fallback keys are derived from the
// element content, so identical elements in two documents share a key and differing
// ones never do. Repeats of the same content within a document are numbered.
type keyBuilder struct {
	rules     TypeRules
	namespace string
	document  string
	fallback  map[string]int
	logger    zerolog.Logger
}

func (m *Merger) newKeyBuilder(document string) *keyBuilder {
	return &keyBuilder{
		rules:     m.opts.Rules,
		namespace: m.opts.Namespace,
		document:  document,
		fallback:  make(map[string]int),
		logger:    m.opts.Logger,
	}
}

// key always returns a non-empty key. Elements that cannot be keyed by their rule get a
// fallback key unique within the document.
func (b *keyBuilder) key(e *etree.Element) string {
	local := e.Tag
	rule, ok := b.rules[local]
	if !ok {
		key := b.fallbackKey(e)
		b.logger.Warn().
			Str("document", b.document).
			Str("element", local).
			Str("key", key).
			Msg("unconfigured element type")
		return key
	}
	if key := buildKey(e, rule.Match, b.namespace); key != "" {
		return key
	}
	key := b.fallbackKey(e)
	b.logger.Warn().
		Str("document", b.document).
		Str("element", local).
		Str("key", key).
		Msg("element has no key values")
	return key
}

func (b *keyBuilder) fallbackKey(e *etree.Element) string {
	key := e.Tag + "#" + contentDigest(e)
	b.fallback[key]++
	if n := b.fallback[key]; n > 1 {
		key += "#" + strconv.Itoa(n)
	}
	return key
}

// buildKey derives the key of e from its match rule, or returns "" when the rule finds
// no contributing children.
func buildKey(e *etree.Element, rule MatchRule, namespace string) string {
	switch r := rule.(type) {
	case nil, Implicit:
		return e.Tag
	case UniqueKeys:
		return joinKey(e, r, namespace)
	case ExclusiveUniqueKeys:
		for _, group := range r {
			if key := joinKey(e, group, namespace); key != "" {
				return key
			}
		}
		return ""
	default:
		panic(fmt.Sprintf("xmlmerge: unsupported match rule %T", rule))
	}
}

func joinKey(e *etree.Element, children []string, namespace string) string {
	var key string
	for _, name := range children {
		child := findChild(e, name, namespace)
		if child == nil {
			continue
		}
		if text := child.Text(); text != "" {
			key += "#" + e.Tag + "#" + text
		}
	}
	return key
}

// textPatch is a pending overwrite of base text with update text. When source is set the
// whole content of target is replaced with that of source.
type textPatch struct {
	target *etree.Element
	source *etree.Element
	// field is the equality child being overwritten, empty for leaf text.
	field  string
	before string
	after  string
}

func (p *textPatch) apply() {
	if p.source != nil {
		replaceContent(p.target, p.source)
		return
	}
	p.target.SetText(p.after)
}

// compareElements reports whether update and base are equal under rule and returns the
// patch that brings base in line with update.
//
// With equality keys, only the first differing child is patched. Without them leaves are
// compared on their text and the patch always carries the update text. Elements with
// children are compared on their canonical form and the patch replaces their content.
func compareElements(update, base *etree.Element, rule ElementRule, configured bool, namespace string) (bool, *textPatch) {
	if update == nil || base == nil {
		return false, nil
	}

	if configured && len(rule.EqualKeys) > 0 {
		for _, name := range rule.EqualKeys {
			baseChild := findChild(base, name, namespace)
			updateChild := findChild(update, name, namespace)
			if baseChild == nil || updateChild == nil {
				continue
			}
			if baseChild.Text() != updateChild.Text() {
				return false, &textPatch{
					target: baseChild,
					field:  name,
					before: baseChild.Text(),
					after:  updateChild.Text(),
				}
			}
		}
		return true, nil
	}

	if len(base.ChildElements()) > 0 || len(update.ChildElements()) > 0 {
		before, after := canonical(base), canonical(update)
		return before == after, &textPatch{target: base, source: update, before: before, after: after}
	}

	baseText, updateText := leafText(base), leafText(update)
	return baseText == updateText, &textPatch{target: base, before: baseText, after: updateText}
}

// MergeBytes parses base and update, merges them and returns the finalized output.
func (m *Merger) MergeBytes(base, update []byte) ([]byte, *Result, error) {
	baseDoc, err := parseDocument("base", base)
	if err != nil {
		return nil, nil, err
	}
	updateDoc, err := parseDocument("update", update)
	if err != nil {
		return nil, nil, err
	}

	result, err := m.Merge(baseDoc, updateDoc)
	if err != nil {
		return nil, nil, err
	}

	out, err := Finalize(result.Document, m.opts.Namespace)
	if err != nil {
		return nil, nil, err
	}
	return out, result, nil
}

// MergeFiles merges the update file into the base file and writes the output file.
// An empty outputPath overwrites the base file.
//
// Both inputs are checked before anything is parsed, and the output is written once,
// after the merge succeeds, through a temporary file in the output directory.
func (m *Merger) MergeFiles(basePath, updatePath, outputPath string) (*Result, error) {
	out, result, err := m.mergeFiles(basePath, updatePath)
	if err != nil {
		return nil, err
	}
	if outputPath == "" {
		outputPath = basePath
	}
	if err := writeFile(outputPath, out); err != nil {
		return nil, err
	}
	return result, nil
}

// mergeFiles runs [Merger.MergeFiles] without writing the output.
func (m *Merger) mergeFiles(basePath, updatePath string) ([]byte, *Result, error) {
	for _, input := range []struct{ role, path string }{
		{"base", basePath},
		{"update", updatePath},
	} {
		info, err := os.Stat(input.path)
		if err != nil || info.IsDir() {
			return nil, nil, &InputNotFoundError{Path: input.path, Role: input.role}
		}
	}

	base, err := os.ReadFile(basePath)
	if err != nil {
		return nil, nil, err
	}
	update, err := os.ReadFile(updatePath)
	if err != nil {
		return nil, nil, err
	}

	out, result, err := m.MergeBytes(base, update)
	if err != nil {
		var malformed *MalformedXMLError
		if errors.As(err, &malformed) {
			switch malformed.Document {
			case "base":
				malformed.Document = basePath
			case "update":
				malformed.Document = updatePath
			}
		}
		return nil, nil, err
	}
	return out, result, nil
}

// DryRun merges the files like [Merger.MergeFiles] but writes nothing.
func (m *Merger) DryRun(basePath, updatePath string) ([]byte, *Result, error) {
	return m.mergeFiles(basePath, updatePath)
}

func parseDocument(name string, data []byte) (*etree.Document, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, &MalformedXMLError{Document: name, Err: err}
	}
	if doc.Root() == nil {
		return nil, &MalformedXMLError{Document: name, Err: errNoRoot}
	}
	return doc, nil
}

// writeFile replaces path with data through a temporary file and a rename, keeping the
// permissions of an existing file.
func writeFile(path string, data []byte) error {
	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".xmlmerge-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

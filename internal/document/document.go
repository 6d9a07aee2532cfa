// Package document provides an order-preserving, unknown-field-preserving
// view over registry metadata JSON documents. Full documents are parsed
// loosely so that non-metadata payloads can be re-emitted byte-identical to
// what was read, and so that a metadata document's "versions" key order
// survives a round trip through the trimmer.
package document

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// kv is a single key/raw-value pair from a JSON object, order as read.
type kv struct {
	Key string
	Raw json.RawMessage
}

// object is an ordered JSON object: the keys in the order they appeared in
// the source, each paired with its still-encoded value.
type object []kv

// get returns the raw value for key, or (nil, false) if absent.
func (o object) get(key string) (json.RawMessage, bool) {
	for _, e := range o {
		if e.Key == key {
			return e.Raw, true
		}
	}
	return nil, false
}

// parseObject decodes a JSON object's top-level keys and raw values,
// preserving source order. It fails if data is not a JSON object.
func parseObject(data []byte) (object, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	delim, ok := tok.(json.Delim)
	if !ok || delim != '{' {
		return nil, fmt.Errorf("document: expected JSON object, got %v", tok)
	}

	var out object
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("document: expected string key, got %v", keyTok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("document: decoding value for %q: %w", key, err)
		}
		out = append(out, kv{Key: key, Raw: raw})
	}
	if _, err := dec.Token(); err != nil { // consume closing '}'
		return nil, err
	}
	return out, nil
}

// Document is a parsed registry metadata payload (or an arbitrary JSON blob
// that merely passed through the parser on its way to being cached
// verbatim).
type Document struct {
	raw      []byte
	top      object
	Name     string
	IsPackageMetadata bool
	distTags json.RawMessage
	versions object // ordered version-string -> raw version entry
}

// Parse loosely parses data. Metadata detection follows spec.md §4.1: a
// document "is" package metadata only if it has both a "versions" object
// and a "dist-tags" object at the top level.
func Parse(data []byte) (*Document, error) {
	top, err := parseObject(data)
	if err != nil {
		return nil, err
	}

	d := &Document{raw: data, top: top}

	distTags, hasDistTags := top.get("dist-tags")
	versionsRaw, hasVersions := top.get("versions")
	if !hasDistTags || !hasVersions {
		return d, nil
	}
	if _, err := parseObject(distTags); err != nil {
		// "dist-tags" wasn't actually an object — not metadata-shaped.
		return d, nil
	}

	versions, err := parseObject(versionsRaw)
	if err != nil {
		// "versions" wasn't actually an object — not metadata-shaped.
		return d, nil
	}

	d.IsPackageMetadata = true
	d.distTags = distTags
	d.versions = versions
	if nameRaw, ok := top.get("name"); ok {
		json.Unmarshal(nameRaw, &d.Name)
	}
	return d, nil
}

// Raw returns the original bytes exactly as parsed.
func (d *Document) Raw() []byte { return d.raw }

// versionEntryFields lists the version-entry keys the trimmer retains, in
// the order they are emitted.
var versionEntryFields = []string{
	"name", "version", "dependencies", "optionalDependencies",
	"peerDependencies", "peerDependenciesMeta", "bin", "engines", "os", "cpu",
}

// distFields lists the dist sub-document keys the trimmer retains.
var distFields = []string{"tarball", "integrity", "shasum"}

// Trim produces the canonical trimmed form of d: top-level name, dist-tags,
// and versions (each version reduced to the §3 whitelist), with versions in
// the same key order as the input. If d is not package metadata, Trim
// returns d's original bytes unchanged (spec.md invariant 4).
func (d *Document) Trim() ([]byte, error) {
	if !d.IsPackageMetadata {
		return d.raw, nil
	}

	nameRaw, hasName := d.top.get("name")
	if !hasName {
		nameRaw = json.RawMessage(`null`)
	}

	var buf bytes.Buffer
	buf.WriteString(`{"name":`)
	buf.Write(bytes.TrimSpace(nameRaw))
	buf.WriteString(`,"dist-tags":`)
	buf.Write(bytes.TrimSpace(d.distTags))
	buf.WriteString(`,"versions":{`)

	for i, ve := range d.versions {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(ve.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')

		trimmed, err := trimVersionEntry(ve.Raw)
		if err != nil {
			return nil, fmt.Errorf("document: trimming version %q: %w", ve.Key, err)
		}
		buf.Write(trimmed)
	}
	buf.WriteString(`}}`)
	return buf.Bytes(), nil
}

// trimVersionEntry reduces a single version entry to the §3 whitelist. A
// version entry that isn't itself a JSON object is passed through as-is —
// registries occasionally emit malformed per-version data, and the trimmer
// must never fail on it (spec.md §4.1: "never fails on missing optional
// fields").
func trimVersionEntry(raw json.RawMessage) (json.RawMessage, error) {
	fields, err := parseObject(raw)
	if err != nil {
		return raw, nil
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	wrote := false
	for _, name := range versionEntryFields {
		val, ok := fields.get(name)
		if !ok {
			continue
		}
		if wrote {
			buf.WriteByte(',')
		}
		wrote = true
		key, _ := json.Marshal(name)
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(bytes.TrimSpace(val))
	}

	if distRaw, ok := fields.get("dist"); ok {
		trimmedDist, err := trimDist(distRaw)
		if err == nil {
			if wrote {
				buf.WriteByte(',')
			}
			wrote = true
			buf.WriteString(`"dist":`)
			buf.Write(trimmedDist)
		}
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func trimDist(raw json.RawMessage) (json.RawMessage, error) {
	fields, err := parseObject(raw)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	wrote := false
	for _, name := range distFields {
		val, ok := fields.get(name)
		if !ok {
			continue
		}
		if wrote {
			buf.WriteByte(',')
		}
		wrote = true
		key, _ := json.Marshal(name)
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(bytes.TrimSpace(val))
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

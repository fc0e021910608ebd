// internal/manifest/parser.go
package manifest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"unicode/utf8"

	"manifest-catalog/internal/apperrors"
	"manifest-catalog/internal/model"
)

// rawManifest mirrors the package.json fields we extract. Fields whose shape
// varies in the wild (author, license, people lists) stay as json.RawMessage
// and get normalized explicitly.
type rawManifest struct {
	Name                 string            `json:"name"`
	Version              string            `json:"version"`
	Description          string            `json:"description"`
	Keywords             []string          `json:"keywords"`
	License              json.RawMessage   `json:"license"`
	Author               json.RawMessage   `json:"author"`
	Contributors         []json.RawMessage `json:"contributors"`
	Maintainers          []json.RawMessage `json:"maintainers"`
	Scripts              map[string]string `json:"scripts"`
	Dependencies         map[string]string `json:"dependencies"`
	DevDependencies      map[string]string `json:"devDependencies"`
	PeerDependencies     map[string]string `json:"peerDependencies"`
	OptionalDependencies map[string]string `json:"optionalDependencies"`
	BundledDependencies  []string          `json:"bundledDependencies"`
}

// personObject is the structured form of an author/contributor entry.
type personObject struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	URL   string `json:"url"`
}

// licenseObject is the deprecated {"type": ..., "url": ...} license form.
type licenseObject struct {
	Type string `json:"type"`
}

// Parse decodes raw package.json bytes into a normalized ManifestRecord.
// Invalid UTF-8 or JSON yields a MalformedManifestError; the caller records
// it and moves on, it is never fatal to a sync run.
func Parse(raw []byte) (*model.ManifestRecord, error) {
	if !utf8.Valid(raw) {
		return nil, &apperrors.MalformedManifestError{Reason: "content is not valid UTF-8"}
	}

	var doc rawManifest
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &apperrors.MalformedManifestError{Reason: "invalid JSON document", Err: err}
	}

	hash, err := contentHash(raw)
	if err != nil {
		return nil, &apperrors.MalformedManifestError{Reason: "content not canonicalizable", Err: err}
	}

	rec := &model.ManifestRecord{
		Name:         doc.Name,
		Version:      doc.Version,
		Description:  doc.Description,
		License:      normalizeLicense(doc.License),
		Dependencies: normalizeDependencies(&doc),
		Scripts:      normalizeScripts(doc.Scripts),
		Keywords:     doc.Keywords,
		People:       normalizePeople(&doc),
		ContentHash:  hash,
		RawContent:   raw,
	}
	return rec, nil
}

// contentHash digests the compacted JSON so that formatting-only changes do
// not register as new content.
func contentHash(raw []byte) (string, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "", err
	}
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:]), nil
}

// normalizeDependencies flattens the per-class dependency maps into a single
// name-sorted list of (name, versionSpec, class) tuples.
func normalizeDependencies(doc *rawManifest) []model.Dependency {
	var deps []model.Dependency

	appendClass := func(m map[string]string, class model.DependencyClass) {
		names := make([]string, 0, len(m))
		for name := range m {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			deps = append(deps, model.Dependency{Name: name, VersionSpec: m[name], Class: class})
		}
	}

	appendClass(doc.Dependencies, model.DepProduction)
	appendClass(doc.DevDependencies, model.DepDev)
	appendClass(doc.PeerDependencies, model.DepPeer)
	appendClass(doc.OptionalDependencies, model.DepOptional)

	bundled := append([]string(nil), doc.BundledDependencies...)
	sort.Strings(bundled)
	for _, name := range bundled {
		// Bundled dependencies carry no version spec of their own.
		deps = append(deps, model.Dependency{Name: name, Class: model.DepBundled})
	}

	return deps
}

func normalizeScripts(scripts map[string]string) []model.Script {
	names := make([]string, 0, len(scripts))
	for name := range scripts {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]model.Script, 0, len(names))
	for _, name := range names {
		out = append(out, model.Script{Name: name, Command: scripts[name]})
	}
	return out
}

// normalizePeople collects author, contributors and maintainers into tagged
// person records. At most one AUTHOR entry is produced; entries with no
// resolvable name are dropped silently.
func normalizePeople(doc *rawManifest) []model.Person {
	var people []model.Person

	if p, ok := parsePerson(doc.Author, model.RoleAuthor); ok {
		people = append(people, p)
	}
	for _, raw := range doc.Contributors {
		if p, ok := parsePerson(raw, model.RoleContributor); ok {
			people = append(people, p)
		}
	}
	for _, raw := range doc.Maintainers {
		if p, ok := parsePerson(raw, model.RoleMaintainer); ok {
			people = append(people, p)
		}
	}
	return people
}

// parsePerson accepts either the structured object form or the free-text
// "Name <email> (url)" form.
func parsePerson(raw json.RawMessage, role model.PersonRole) (model.Person, bool) {
	if len(raw) == 0 {
		return model.Person{}, false
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return parsePersonString(s, role)
	}

	var obj personObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return model.Person{}, false
	}
	name := strings.TrimSpace(obj.Name)
	if name == "" {
		return model.Person{}, false
	}
	return model.Person{
		Name:  name,
		Email: strings.TrimSpace(obj.Email),
		URL:   strings.TrimSpace(obj.URL),
		Role:  role,
	}, true
}

// parsePersonString extracts email from the first <...> span and URL from the
// first (...) span; what remains, trimmed, is the name.
func parsePersonString(s string, role model.PersonRole) (model.Person, bool) {
	var email, url string

	if start := strings.Index(s, "<"); start >= 0 {
		if end := strings.Index(s[start:], ">"); end > 0 {
			email = strings.TrimSpace(s[start+1 : start+end])
			s = s[:start] + s[start+end+1:]
		}
	}
	if start := strings.Index(s, "("); start >= 0 {
		if end := strings.Index(s[start:], ")"); end > 0 {
			url = strings.TrimSpace(s[start+1 : start+end])
			s = s[:start] + s[start+end+1:]
		}
	}

	name := strings.TrimSpace(s)
	if name == "" {
		return model.Person{}, false
	}
	return model.Person{Name: name, Email: email, URL: url, Role: role}, true
}

// normalizeLicense accepts the modern SPDX string form and the deprecated
// object form.
func normalizeLicense(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var obj licenseObject
	if err := json.Unmarshal(raw, &obj); err == nil {
		return strings.TrimSpace(obj.Type)
	}
	return ""
}

/*
   Copyright The containerd Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package imageref parses registry image references and derives
// deterministic machine image pool names from them (spec §4.5). The
// grammar is the spec's own simplified rules, layered on top of
// github.com/distribution/reference's repository-name validation.
package imageref

import (
	"fmt"
	"strings"

	"github.com/distribution/reference"
	dgst "github.com/opencontainers/go-digest"

	"github.com/ananthb/systemd-cri-sub000/internal/cri"
)

// DefaultRegistry is used when a reference carries no explicit registry
// host, matching every Docker-derived CRI implementation in the corpus.
const DefaultRegistry = "docker.io"

// DefaultTag is used when a reference carries neither a tag nor a digest.
const DefaultTag = "latest"

// Reference is a parsed image reference (spec §4.5).
type Reference struct {
	Registry   string
	Repository string
	Tag        string
	Digest     string
}

// Parse parses a raw image reference string per the spec's disambiguation
// rules:
//   - '@' separates a digest suffix.
//   - ':' in the final path segment is a tag; ':' in the first segment
//     followed by '/' (or shaped like host:port) is a registry port.
//   - the first slash-separated segment is the registry if it contains
//     '.', ':', or equals "localhost"; otherwise the registry is implicit
//     docker.io and the whole string is the repository.
//   - if neither tag nor digest is present, tag defaults to "latest".
func Parse(raw string) (Reference, error) {
	if raw == "" {
		return Reference{}, fmt.Errorf("empty image reference: %w", cri.ErrInvalidArgument)
	}

	rest := raw
	var digest string
	if i := strings.Index(rest, "@"); i >= 0 {
		digest = rest[i+1:]
		rest = rest[:i]
		if digest == "" {
			return Reference{}, fmt.Errorf("empty digest in reference %q: %w", raw, cri.ErrInvalidArgument)
		}
	}

	segments := strings.Split(rest, "/")
	if len(segments) == 0 || segments[0] == "" {
		return Reference{}, fmt.Errorf("invalid image reference %q: %w", raw, cri.ErrInvalidArgument)
	}

	registry := ""
	repoSegments := segments
	first := segments[0]
	if len(segments) > 1 && looksLikeRegistry(first) {
		registry = first
		repoSegments = segments[1:]
	}

	if len(repoSegments) == 0 || strings.Join(repoSegments, "") == "" {
		return Reference{}, fmt.Errorf("invalid image reference %q: missing repository", raw)
	}
	for _, s := range repoSegments {
		if s == "" {
			return Reference{}, fmt.Errorf("invalid image reference %q: empty path component: %w", raw, cri.ErrInvalidArgument)
		}
	}

	// A ':' in the last path segment separates a tag, unless that colon
	// is actually the registry-port colon of a single-segment reference
	// with no explicit registry segment split above (handled by
	// looksLikeRegistry already pulling host:port out as segments[0]).
	tag := ""
	last := repoSegments[len(repoSegments)-1]
	if i := strings.LastIndex(last, ":"); i >= 0 {
		tag = last[i+1:]
		repoSegments[len(repoSegments)-1] = last[:i]
	}

	repository := strings.Join(repoSegments, "/")
	if repository == "" {
		return Reference{}, fmt.Errorf("invalid image reference %q: missing repository", raw)
	}

	if registry == "" {
		registry = DefaultRegistry
	} else if registry == "docker.io" {
		// normalized form: keep explicit docker.io as-is
	}

	if digest == "" && tag == "" {
		tag = DefaultTag
	}

	if digest != "" {
		if _, err := dgst.Parse(digest); err != nil {
			return Reference{}, fmt.Errorf("invalid digest %q in reference %q: %w", digest, raw, cri.ErrInvalidArgument)
		}
	}

	if !isValidRepository(repository) {
		return Reference{}, fmt.Errorf("invalid repository %q in reference %q: %w", repository, raw, cri.ErrInvalidArgument)
	}

	return Reference{Registry: registry, Repository: repository, Tag: tag, Digest: digest}, nil
}

func looksLikeRegistry(segment string) bool {
	if segment == "localhost" {
		return true
	}
	if strings.ContainsAny(segment, ".:") {
		return true
	}
	return false
}

// isValidRepository reuses distribution/reference's NameRegexp rather than
// reimplementing its grammar. The pattern is not anchored, so repo passes
// when some substring of it matches (e.g. "Name" passes via "ame"; a repo
// with no lowercase letter or digit, such as "UPPER/CASE", fails).
func isValidRepository(repo string) bool {
	if repo == "" {
		return false
	}
	return reference.NameRegexp.MatchString(repo)
}

// Format renders a Reference back to its canonical string form (spec §8
// property 6: format(parse(r)) = r' where r' makes an implicit registry and
// an implicit :latest explicit).
func (r Reference) Format() string {
	var b strings.Builder
	registry := r.Registry
	if registry == "" {
		registry = DefaultRegistry
	}
	b.WriteString(registry)
	b.WriteString("/")
	b.WriteString(r.Repository)
	if r.Digest != "" {
		b.WriteString("@")
		b.WriteString(r.Digest)
		return b.String()
	}
	b.WriteString(":")
	if r.Tag != "" {
		b.WriteString(r.Tag)
	} else {
		b.WriteString(DefaultTag)
	}
	return b.String()
}

// SourceURL builds the docker:// transport URL used to invoke the external
// image-copy tool (spec §4.5 step 2).
func (r Reference) SourceURL() string {
	repoRef := fmt.Sprintf("%s/%s", r.Registry, r.Repository)
	if r.Digest != "" {
		return fmt.Sprintf("docker://%s@%s", repoRef, r.Digest)
	}
	tag := r.Tag
	if tag == "" {
		tag = DefaultTag
	}
	return fmt.Sprintf("docker://%s:%s", repoRef, tag)
}

const maxMachineNameLen = 64

// MachineName derives the deterministic machine image pool name for a
// reference (spec §4.5): lowercase the repository, replace '/','_','.','-'
// with '-', drop other non-alphanumerics; append '-'+tag when tag != latest;
// truncate to 64 characters.
func (r Reference) MachineName() string {
	name := transformComponent(r.Repository)
	if r.Tag != "" && r.Tag != DefaultTag {
		name = name + "-" + transformComponent(r.Tag)
	}
	if len(name) > maxMachineNameLen {
		name = name[:maxMachineNameLen]
	}
	name = strings.Trim(name, "-")
	if name == "" {
		name = "image"
	}
	return name
}

func transformComponent(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == '/' || r == '_' || r == '.' || r == '-':
			b.WriteByte('-')
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			// drop
		}
	}
	return b.String()
}

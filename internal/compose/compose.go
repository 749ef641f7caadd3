// Package compose is the compose/volume parser: it loads a Compose file
// via compose-go/v2, classifies each service's volumes as named or bind
// mounts, and rewrites bind-mount sources for migration by editing the YAML
// node tree rather than the typed project, so untouched fields, comments
// and service order are kept (the tree is re-emitted with yaml.Marshal, so
// indentation and quoting style can change).
package compose

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/compose-spec/compose-go/v2/loader"
	composetypes "github.com/compose-spec/compose-go/v2/types"
	"github.com/artemis/dockhostd/internal/errs"
	"gopkg.in/yaml.v3"
)

// VolumeType classifies a service volume entry.
type VolumeType string

const (
	VolumeNamed VolumeType = "named"
	VolumeBind  VolumeType = "bind"
)

// Volume is one parsed service volume mount.
type Volume struct {
	Type           VolumeType
	Name           string // named volume name; empty for bind mounts
	Source         string // bind source path; empty for named volumes
	Destination    string
	Mode           string
	OriginalString string
}

// PortSpec is one parsed service published port.
type PortSpec struct {
	Published string
	Target    uint32
	Protocol  string
}

// Service is one parsed compose service.
type Service struct {
	Name    string
	Image   string
	Ports   []PortSpec
	Volumes []Volume
}

// ParsedCompose is the structured result of parsing a compose file.
type ParsedCompose struct {
	Name     string
	Path     string
	Services []Service
}

// Parse loads and classifies path, merging a sibling .env file into the
// compose interpolation environment when one exists.
func Parse(path string) (*ParsedCompose, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindFatal, err, "reading compose file %s", path)
	}

	envFile := filepath.Join(filepath.Dir(path), ".env")
	envMap := map[string]string{}
	if envData, err := os.ReadFile(envFile); err == nil {
		envMap = parseEnvFile(envData)
	}

	return ParseBytes(data, path, envMap)
}

// ParseBytes classifies compose YAML already in memory — used by the
// migration orchestrator, which fetches the source compose file over SSH
// rather than from the local filesystem.
func ParseBytes(data []byte, path string, envMap map[string]string) (*ParsedCompose, error) {
	details := composetypes.ConfigDetails{
		WorkingDir:  filepath.Dir(path),
		ConfigFiles: []composetypes.ConfigFile{{Filename: path, Content: data}},
		Environment: envMap,
	}
	project, err := loader.Load(details)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, err, "parsing compose file %s", path)
	}

	pc := &ParsedCompose{Name: project.Name, Path: path}
	for _, svc := range project.Services {
		s := Service{Name: svc.Name, Image: svc.Image}
		for _, p := range svc.Ports {
			s.Ports = append(s.Ports, PortSpec{Published: p.Published, Target: p.Target, Protocol: p.Protocol})
		}
		for _, v := range svc.Volumes {
			s.Volumes = append(s.Volumes, classifyVolume(v))
		}
		pc.Services = append(pc.Services, s)
	}
	return pc, nil
}

func classifyVolume(v composetypes.ServiceVolumeConfig) Volume {
	mode := "rw"
	if v.ReadOnly {
		mode = "ro"
	}
	if v.Type == "bind" || isPathlike(v.Source) {
		return Volume{
			Type:           VolumeBind,
			Source:         v.Source,
			Destination:    v.Target,
			Mode:           mode,
			OriginalString: shortForm(v.Source, v.Target, mode),
		}
	}
	return Volume{
		Type:           VolumeNamed,
		Name:           v.Source,
		Destination:    v.Target,
		Mode:           mode,
		OriginalString: shortForm(v.Source, v.Target, mode),
	}
}

// isPathlike distinguishes bind sources from named volumes: entries that
// are not absolute and not dotted are named volumes.
func isPathlike(source string) bool {
	return strings.HasPrefix(source, "/") ||
		strings.HasPrefix(source, "./") ||
		strings.HasPrefix(source, "../") ||
		strings.HasPrefix(source, "~/") ||
		source == "."
}

func shortForm(source, target, mode string) string {
	if mode == "" || mode == "rw" {
		return source + ":" + target
	}
	return source + ":" + target + ":" + mode
}

// splitShortVolume splits a short-syntax volume string at most twice,
// preserving a trailing mode segment.
func splitShortVolume(s string) (source, destination, mode string) {
	parts := strings.SplitN(s, ":", 3)
	switch len(parts) {
	case 1:
		return parts[0], "", ""
	case 2:
		return parts[0], parts[1], ""
	default:
		return parts[0], parts[1], parts[2]
	}
}

func parseEnvFile(data []byte) map[string]string {
	out := map[string]string{}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.Trim(strings.TrimSpace(v), `"'`)
	}
	return out
}

// RewriteForMigration repoints bind mounts at a new appdata root: it parses
// composeYAML as a YAML node tree (not text replace) and rewrites bind
// mount sources in place, leaving named/anonymous volumes and every other
// field untouched, then re-marshals the tree.
func RewriteForMigration(composeYAML []byte, targetAppdata, stackName string, oldAppdataPaths []string) ([]byte, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(composeYAML, &doc); err != nil {
		return nil, errs.Wrap(errs.KindValidation, err, "parsing compose YAML for rewrite")
	}
	if len(doc.Content) == 0 {
		return composeYAML, nil
	}
	root := doc.Content[0]
	services := mapValue(root, "services")
	if services == nil || services.Kind != yaml.MappingNode {
		return composeYAML, nil
	}

	for i := 0; i+1 < len(services.Content); i += 2 {
		svc := services.Content[i+1]
		volumes := mapValue(svc, "volumes")
		if volumes == nil || volumes.Kind != yaml.SequenceNode {
			continue
		}
		for _, item := range volumes.Content {
			rewriteVolumeNode(item, targetAppdata, stackName, oldAppdataPaths)
		}
	}

	out, err := yaml.Marshal(&doc)
	if err != nil {
		return nil, errs.Wrap(errs.KindFatal, err, "re-marshaling rewritten compose YAML")
	}
	return out, nil
}

// bindSource reports whether a raw (pre-interpolation) source names a bind
// mount: a path per isPathlike, or an ${APPDATA_PATH}-anchored source,
// which is a path once substituted even though it starts with neither / nor
// a dot.
func bindSource(source string) bool {
	return isPathlike(source) || strings.Contains(source, appdataPlaceholder)
}

func rewriteVolumeNode(item *yaml.Node, targetAppdata, stackName string, oldAppdataPaths []string) {
	switch item.Kind {
	case yaml.ScalarNode:
		source, dest, mode := splitShortVolume(item.Value)
		if dest == "" || !bindSource(source) {
			return // named volume, or not a source:dest pair — leave as-is.
		}
		newSource, changed := rewriteSource(source, targetAppdata, stackName, oldAppdataPaths)
		if changed {
			item.Value = shortForm(newSource, dest, mode)
		}
	case yaml.MappingNode:
		typeNode := mapValue(item, "type")
		sourceNode := mapValue(item, "source")
		if sourceNode == nil {
			return
		}
		isBind := (typeNode != nil && typeNode.Value == "bind") || (typeNode == nil && bindSource(sourceNode.Value))
		if !isBind {
			return // named/volume/tmpfs entry — never modified.
		}
		newSource, changed := rewriteSource(sourceNode.Value, targetAppdata, stackName, oldAppdataPaths)
		if changed {
			sourceNode.Value = newSource
		}
	}
}

const appdataPlaceholder = "${APPDATA_PATH}"

// rewriteSource applies the migration substitution rules to a single bind
// source, returning the new value and whether it changed.
func rewriteSource(source, targetAppdata, stackName string, oldAppdataPaths []string) (string, bool) {
	if strings.Contains(source, appdataPlaceholder) {
		return strings.ReplaceAll(source, appdataPlaceholder, targetAppdata), true
	}
	// A relative bind source is anchored at {appdata_path}/{stack_name}/ on
	// every host, so it never literally matches an absolute
	// oldAppdataPaths entry — rebase it at the same relative tail under the
	// target appdata root directly.
	if !filepath.IsAbs(source) {
		tail := filepath.Clean(strings.TrimPrefix(source, "./"))
		return filepath.Join(targetAppdata, stackName, tail), true
	}
	for _, old := range oldAppdataPaths {
		if old == "" {
			continue
		}
		if source == old {
			return filepath.Join(targetAppdata, stackName, filepath.Base(old)), true
		}
		if isDescendant(source, old) {
			tail := strings.TrimPrefix(strings.TrimPrefix(source, old), "/")
			if tail == "" {
				return filepath.Join(targetAppdata, stackName, filepath.Base(old)), true
			}
			// An appdata-root old path yields tails already prefixed with the
			// stack's own directory; don't double it up.
			if tail == stackName || strings.HasPrefix(tail, stackName+"/") {
				return filepath.Join(targetAppdata, tail), true
			}
			return filepath.Join(targetAppdata, stackName, tail), true
		}
	}
	return source, false
}

func isDescendant(path, base string) bool {
	base = strings.TrimSuffix(base, "/")
	return strings.HasPrefix(path, base+"/")
}

func mapValue(mapping *yaml.Node, key string) *yaml.Node {
	if mapping == nil || mapping.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}
	return nil
}

// BindMountSources returns every bind-mount source path across all
// services, used by the migration engine to enumerate what must transfer.
func (pc *ParsedCompose) BindMountSources() []string {
	var out []string
	for _, svc := range pc.Services {
		for _, v := range svc.Volumes {
			if v.Type == VolumeBind {
				out = append(out, v.Source)
			}
		}
	}
	return out
}

// PublishedPorts returns every (published, protocol) pair across all
// services, used by the migration engine's pre-flight conflict check.
func (pc *ParsedCompose) PublishedPorts() []PortSpec {
	var out []PortSpec
	for _, svc := range pc.Services {
		for _, p := range svc.Ports {
			if p.Published != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func (v Volume) String() string {
	if v.Type == VolumeNamed {
		return fmt.Sprintf("named:%s->%s", v.Name, v.Destination)
	}
	return fmt.Sprintf("bind:%s->%s", v.Source, v.Destination)
}

package backend

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"entropy/pkg/yamlx"
)

var (
	auditKeys  = keySet("name", "schedule", "module", "routing_key", "timeout", "mq_host", "mq_port", "mq_user", "mq_password", "mq_vhost", "conf")
	repairKeys = keySet("name", "module", "script", "routing_key", "rate_limit", "mq_host", "mq_port", "mq_user", "mq_password", "mq_vhost", "conf")
)

func keySet(keys ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		m[k] = struct{}{}
	}
	return m
}

// resolveScript loads the entry's conf file (relative paths are taken from
// baseDir) and overlays the entry's own fields on top of it.
func resolveScript(s Script, baseDir string) (map[string]any, error) {
	out := map[string]any{}
	if conf := s.Conf(); conf != "" {
		if !filepath.IsAbs(conf) && baseDir != "" {
			conf = filepath.Join(baseDir, conf)
		}
		b, err := os.ReadFile(conf)
		if err != nil {
			return nil, fmt.Errorf("script %q conf: %w", s.Name, err)
		}
		docs, err := yamlx.DecodeDocuments(b)
		if err != nil {
			return nil, fmt.Errorf("script %q conf %s: %w", s.Name, conf, err)
		}
		if len(docs) > 0 {
			for k, v := range docs[0] {
				out[k] = v
			}
		}
	}
	for k, v := range s.Data {
		out[k] = v
	}
	out["name"] = s.Name
	return out, nil
}

// decodeInto fills dst from raw and returns raw re-read through JSON, so
// option values have the same types regardless of which driver stored them.
func decodeInto(raw map[string]any, dst any) (map[string]any, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return nil, err
	}
	norm := map[string]any{}
	if err := json.Unmarshal(b, &norm); err != nil {
		return nil, err
	}
	return norm, nil
}

func extraOptions(raw map[string]any, known map[string]struct{}) map[string]any {
	var out map[string]any
	for k, v := range raw {
		if _, ok := known[k]; ok {
			continue
		}
		if out == nil {
			out = map[string]any{}
		}
		out[k] = v
	}
	return out
}

func decodeAudit(raw map[string]any) (AuditDescriptor, error) {
	var d AuditDescriptor
	norm, err := decodeInto(raw, &d)
	if err != nil {
		return AuditDescriptor{}, fmt.Errorf("audit %v: %w", raw["name"], err)
	}
	d.Schedule = strings.TrimSpace(d.Schedule)
	d.Module = strings.TrimSpace(d.Module)
	if d.Schedule == "" {
		return AuditDescriptor{}, fmt.Errorf("audit %q: schedule is required", d.Name)
	}
	if d.Module == "" {
		return AuditDescriptor{}, fmt.Errorf("audit %q: module is required", d.Name)
	}
	d.Options = extraOptions(norm, auditKeys)
	return d, nil
}

func decodeRepair(raw map[string]any) (RepairDescriptor, error) {
	var d RepairDescriptor
	norm, err := decodeInto(raw, &d)
	if err != nil {
		return RepairDescriptor{}, fmt.Errorf("repair %v: %w", raw["name"], err)
	}
	d.Module = strings.TrimSpace(d.Module)
	if d.Module == "" {
		// older registries name the reactor under "script"
		if s, ok := norm["script"].(string); ok {
			d.Module = strings.TrimSpace(s)
		}
	}
	if d.Module == "" {
		return RepairDescriptor{}, fmt.Errorf("repair %q: module is required", d.Name)
	}
	if d.RateLimit < 0 {
		return RepairDescriptor{}, fmt.Errorf("repair %q: rate_limit must be >= 0", d.Name)
	}
	d.Options = extraOptions(norm, repairKeys)
	return d, nil
}

func validName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("script name is required")
	}
	if strings.ContainsAny(name, "\n\r") {
		return fmt.Errorf("script name %q contains a line break", name)
	}
	return nil
}

// DescribeAudit resolves an audit entry that is not registered yet, so
// callers can validate it before AddScript.
func DescribeAudit(name string, data map[string]any, baseDir string) (AuditDescriptor, error) {
	if err := validName(name); err != nil {
		return AuditDescriptor{}, err
	}
	raw, err := resolveScript(Script{Name: name, Data: data}, baseDir)
	if err != nil {
		return AuditDescriptor{}, err
	}
	return decodeAudit(raw)
}

// DescribeRepair is DescribeAudit for repairs.
func DescribeRepair(name string, data map[string]any, baseDir string) (RepairDescriptor, error) {
	if err := validName(name); err != nil {
		return RepairDescriptor{}, err
	}
	raw, err := resolveScript(Script{Name: name, Data: data}, baseDir)
	if err != nil {
		return RepairDescriptor{}, err
	}
	return decodeRepair(raw)
}

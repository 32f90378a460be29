package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration accepts either a number of seconds or a Go duration string.
type Duration time.Duration

func Seconds(s float64) Duration {
	return Duration(s * float64(time.Second))
}

func (d Duration) D() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	if f, err := strconv.ParseFloat(node.Value, 64); err == nil {
		return d.set(f)
	}
	return d.set(node.Value)
}

func (d *Duration) set(v any) error {
	switch val := v.(type) {
	case float64:
		*d = Seconds(val)
		return nil
	case string:
		s := strings.TrimSpace(val)
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			*d = Seconds(f)
			return nil
		}
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q", val)
		}
		*d = Duration(parsed)
		return nil
	case nil:
		*d = 0
		return nil
	}
	return fmt.Errorf("invalid duration %v", v)
}

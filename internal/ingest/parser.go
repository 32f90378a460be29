package ingest

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"valuelog/internal/driver"
)

var reKV = regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_.-]*)=([^\s,;]+)`)

// Parser turns source lines into readings. Three shapes are understood:
//
//	{"codename":"p1","value":1.5,"time":1700000000.25}
//	p1,1.5[,time]             (or with a codename,value,time header)
//	p1=1.5 p2=3 [time=...]
type Parser struct {
	loc    *time.Location
	header map[string]int
}

func NewParser(loc *time.Location) *Parser {
	if loc == nil {
		loc = time.UTC
	}
	return &Parser{loc: loc}
}

// ParseLine returns nil readings for blank lines and headers.
func (p *Parser) ParseLine(line string) ([]driver.Reading, error) {
	trim := strings.TrimSpace(line)
	if trim == "" || strings.HasPrefix(trim, "#") {
		return nil, nil
	}
	if looksLikeJSON(trim) {
		return p.parseJSON([]byte(trim))
	}
	if strings.Contains(trim, "=") {
		return p.parseKV(trim)
	}
	if strings.Contains(trim, ",") {
		return p.parseCSV(trim)
	}
	return nil, errors.New("unrecognised line")
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

type jsonReading struct {
	Codename string          `json:"codename"`
	Value    *float64        `json:"value"`
	Time     json.RawMessage `json:"time"`
}

func (p *Parser) parseJSON(data []byte) ([]driver.Reading, error) {
	var batch []jsonReading
	if data[0] == '[' {
		if err := json.Unmarshal(data, &batch); err != nil {
			return nil, err
		}
	} else {
		var one jsonReading
		if err := json.Unmarshal(data, &one); err != nil {
			return nil, err
		}
		batch = []jsonReading{one}
	}
	out := make([]driver.Reading, 0, len(batch))
	for _, jr := range batch {
		if jr.Codename == "" || jr.Value == nil {
			return nil, errors.New("json reading needs codename and value")
		}
		r := driver.Reading{Codename: jr.Codename, Value: *jr.Value}
		if len(jr.Time) > 0 && string(jr.Time) != "null" {
			raw := strings.Trim(string(jr.Time), `"`)
			ts, err := ParseTimestamp(raw, p.loc)
			if err != nil {
				return nil, err
			}
			r.Time = ts
		}
		out = append(out, r)
	}
	return out, nil
}

func (p *Parser) parseKV(line string) ([]driver.Reading, error) {
	var (
		out []driver.Reading
		at  time.Time
	)
	for _, m := range reKV.FindAllStringSubmatch(line, -1) {
		key, val := m[1], m[2]
		switch strings.ToLower(key) {
		case "time", "timestamp", "ts":
			ts, err := ParseTimestamp(val, p.loc)
			if err != nil {
				return nil, err
			}
			at = ts
			continue
		}
		v, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		out = append(out, driver.Reading{Codename: key, Value: v})
	}
	if len(out) == 0 {
		return nil, errors.New("no key=value pairs")
	}
	for i := range out {
		out[i].Time = at
	}
	return out, nil
}

func (p *Parser) parseCSV(line string) ([]driver.Reading, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.TrimLeadingSpace = true
	record, err := r.Read()
	if err != nil {
		return nil, err
	}
	if looksLikeHeader(record) {
		p.header = make(map[string]int, len(record))
		for i, name := range record {
			p.header[strings.ToLower(strings.TrimSpace(name))] = i
		}
		return nil, nil
	}
	cnIdx, valIdx, timeIdx := 0, 1, 2
	if p.header != nil {
		cnIdx, valIdx, timeIdx = column(p.header, "codename"), column(p.header, "value"), column(p.header, "time")
	}
	if cnIdx < 0 || valIdx < 0 || cnIdx >= len(record) || valIdx >= len(record) {
		return nil, errors.New("csv line needs codename and value")
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(record[valIdx]), 64)
	if err != nil {
		return nil, err
	}
	reading := driver.Reading{Codename: strings.TrimSpace(record[cnIdx]), Value: v}
	if timeIdx >= 0 && timeIdx < len(record) && strings.TrimSpace(record[timeIdx]) != "" {
		ts, err := ParseTimestamp(record[timeIdx], p.loc)
		if err != nil {
			return nil, err
		}
		reading.Time = ts
	}
	if reading.Codename == "" {
		return nil, errors.New("empty codename")
	}
	return []driver.Reading{reading}, nil
}

func looksLikeHeader(record []string) bool {
	for _, v := range record {
		if strings.EqualFold(strings.TrimSpace(v), "codename") {
			return true
		}
	}
	return false
}

func column(header map[string]int, names ...string) int {
	aliases := map[string][]string{
		"codename": {"codename", "name", "series"},
		"value":    {"value", "val"},
		"time":     {"time", "timestamp", "ts"},
	}
	for _, n := range names {
		for _, alias := range aliases[n] {
			if i, ok := header[alias]; ok {
				return i
			}
		}
	}
	return -1
}

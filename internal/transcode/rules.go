// Package transcode decides whether audio is served as-is or re-encoded for
// a player, and runs the external decoder/encoder pipelines that do the work.
package transcode

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Rule describes one line of the transcode table. The first rule whose
// source format and device patterns match wins. Command is "-" for
// passthrough, a single command, or a pipeline "a ... | b ...".
type Rule struct {
	Src         string `toml:"src"`
	Dst         string `toml:"dst"`
	TypePattern string `toml:"type"` // device type, "*" = any
	IDPattern   string `toml:"id"`   // device MAC, "*" = any
	Command     string `toml:"command"`
}

type ruleFileSchema struct {
	Rules []Rule `toml:"rule"`
}

// defaultRules covers the formats Squeezebox firmware cannot stream over
// HTTP, in convert.conf style: faad takes the -j/-e seek flags that
// $START$/$END$ expand to, lame re-encodes to the wire target.
var defaultRules = []Rule{
	{Src: "m4a", Dst: "mp3", TypePattern: "*", IDPattern: "*",
		Command: "[faad] -q -w $START$ $END$ $FILE$ | [lame] --silent -q 5 -b 320 - -"},
	{Src: "m4b", Dst: "mp3", TypePattern: "*", IDPattern: "*",
		Command: "[faad] -q -w $START$ $END$ $FILE$ | [lame] --silent -q 5 -b 320 - -"},
	{Src: "mp4", Dst: "mp3", TypePattern: "*", IDPattern: "*",
		Command: "[faad] -q -w $START$ $END$ $FILE$ | [lame] --silent -q 5 -b 320 - -"},
	{Src: "m4p", Dst: "mp3", TypePattern: "*", IDPattern: "*",
		Command: "[faad] -q -w $START$ $END$ $FILE$ | [lame] --silent -q 5 -b 320 - -"},
	{Src: "m4r", Dst: "mp3", TypePattern: "*", IDPattern: "*",
		Command: "[faad] -q -w $START$ $END$ $FILE$ | [lame] --silent -q 5 -b 320 - -"},
	{Src: "aac", Dst: "mp3", TypePattern: "*", IDPattern: "*",
		Command: "[faad] -q -w $START$ $END$ $FILE$ | [lame] --silent -q 5 -b 320 - -"},
	{Src: "alac", Dst: "mp3", TypePattern: "*", IDPattern: "*",
		Command: "[ffmpeg] -loglevel error -i $FILE$ -f mp3 -b:a 320k -"},
	{Src: "wma", Dst: "mp3", TypePattern: "*", IDPattern: "*",
		Command: "[ffmpeg] -loglevel error -i $FILE$ -f mp3 -b:a 320k -"},
	{Src: "opus", Dst: "mp3", TypePattern: "*", IDPattern: "*",
		Command: "[ffmpeg] -loglevel error -i $FILE$ -f mp3 -b:a 320k -"},
	{Src: "mp3", Dst: "mp3", TypePattern: "*", IDPattern: "*", Command: "-"},
	{Src: "flac", Dst: "flac", TypePattern: "*", IDPattern: "*", Command: "-"},
	{Src: "ogg", Dst: "ogg", TypePattern: "*", IDPattern: "*", Command: "-"},
}

// LoadRules reads transcode.toml from dir. A missing file yields the
// built-in default table.
func LoadRules(dir string) ([]Rule, error) {
	data, err := os.ReadFile(filepath.Join(dir, "transcode.toml"))
	if err != nil {
		if os.IsNotExist(err) {
			return append([]Rule(nil), defaultRules...), nil
		}
		return nil, fmt.Errorf("transcode: read transcode.toml: %w", err)
	}
	var schema ruleFileSchema
	if err := toml.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("transcode: parse transcode.toml: %w", err)
	}
	rules := schema.Rules
	for i := range rules {
		rules[i].Src = strings.ToLower(rules[i].Src)
		rules[i].Dst = strings.ToLower(rules[i].Dst)
		if rules[i].TypePattern == "" {
			rules[i].TypePattern = "*"
		}
		if rules[i].IDPattern == "" {
			rules[i].IDPattern = "*"
		}
	}
	return rules, nil
}

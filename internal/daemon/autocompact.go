package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// autocompactWarning accompanies every enable: the client is known to
// compact earlier than the threshold it reports.
const autocompactWarning = "auto-compact may trigger earlier than the configured threshold; treat reported thresholds as approximate"

// toggleAutocompact flips autoCompactEnabled in the assistant settings
// file, preserving every other key. The write is atomic (temp + rename).
func toggleAutocompact(settingsPath string, enabled bool) (warning string, err error) {
	settings := map[string]any{}
	if data, err := os.ReadFile(settingsPath); err == nil {
		if err := json.Unmarshal(data, &settings); err != nil {
			return "", fmt.Errorf("settings file %s is not valid JSON: %w", settingsPath, err)
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}

	settings["autoCompactEnabled"] = enabled
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return "", err
	}
	data = append(data, '\n')

	dir := filepath.Dir(settingsPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(dir, ".settings-*")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), settingsPath); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}

	if enabled {
		return autocompactWarning, nil
	}
	return "", nil
}

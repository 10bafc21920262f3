package common

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"go.trai.ch/zerr"
)

// LoadEnvFiles loads .env variants in Vite priority order and returns
// esbuild defines for variables matching the prefix. Test modules see the
// same import.meta.env as the code they exercise.
// Priority: .env < .env.local < .env.[mode] < .env.[mode].local
func LoadEnvFiles(basePath, mode, prefix string) (map[string]string, error) {
	variants := []string{
		basePath,
		basePath + ".local",
		basePath + "." + mode,
		basePath + "." + mode + ".local",
	}

	result := make(map[string]string)
	for _, path := range variants {
		defs, err := parseEnvFile(path, prefix)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, zerr.With(zerr.Wrap(err, "failed to read env file"), "path", path)
		}
		for k, v := range defs {
			result[k] = v
		}
	}
	return result, nil
}

// parseEnvFile reads a single .env file, filters by prefix, returns
// map like {"import.meta.env.PLZ_API_URL": `"https://..."`}
func parseEnvFile(path, prefix string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	result := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if !strings.HasPrefix(key, prefix) {
			continue
		}

		// Strip surrounding quotes from value
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		// Quoted for esbuild defines
		result["import.meta.env."+key] = strconv.Quote(value)
	}
	return result, scanner.Err()
}

// ModeDefines returns the built-in import.meta.env defines for a mode.
func ModeDefines(mode string) map[string]string {
	return map[string]string{
		"import.meta.env.MODE": strconv.Quote(mode),
		"import.meta.env.DEV":  strconv.FormatBool(mode != "production"),
		"import.meta.env.PROD": strconv.FormatBool(mode == "production"),
		"import.meta.env.TEST": strconv.FormatBool(mode == "test"),
	}
}

package sepolicy

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// BuiltinRules authorise the payload's own domain and file type. Nothing
// outside those two types is touched.
func BuiltinRules() []string {
	return []string{
		"type magisk domain",
		"type magisk_file file_type",
		"typeattribute magisk mlstrustedsubject",
		"typeattribute magisk_file mlstrustedobject",
		"allow magisk * * *",
		"allow * magisk_file file { read open getattr execute map }",
		"allow * magisk_file dir { search getattr read open }",
		"allow * magisk_file lnk_file { read getattr }",
		"allow init magisk process transition",
		"allow init magisk_file file execute_no_trans",
	}
}

// ReadRuleFile returns the non-blank, non-comment lines of a rule file.
func ReadRuleFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rules []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rules = append(rules, line)
	}
	return rules, scanner.Err()
}

// moduleRuleFiles lists <dir>/*/sepolicy.rule in name order.
func moduleRuleFiles(dir string) []string {
	matches, _ := filepath.Glob(filepath.Join(dir, "*", "sepolicy.rule"))
	return matches
}

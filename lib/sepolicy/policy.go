package sepolicy

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Policy is a loaded policy that rules can be merged into.
type Policy interface {
	Apply(rules []string) error
	WriteTo(w io.Writer) (int64, error)
}

// Loader opens a policy from its on-disk forms.
type Loader interface {
	FromFile(path string) (Policy, error)
	FromSplit(cils []string) (Policy, error)
}

// Tool loads and patches policies with the magiskpolicy executable staged
// alongside the payload.
type Tool struct {
	// Path is the magiskpolicy executable.
	Path string
	// WorkDir receives rule and output scratch files.
	WorkDir string
}

// NewTool creates a Loader driving the policy tool at path.
func NewTool(path, workDir string) *Tool {
	return &Tool{Path: path, WorkDir: workDir}
}

func (t *Tool) FromFile(path string) (Policy, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open policy: %w", err)
	}
	return &toolPolicy{tool: t, load: []string{"--load", path}}, nil
}

// FromSplit compiles the platform split policy. The tool reads the fragments
// from their standard locations; cils must name at least the platform one.
func (t *Tool) FromSplit(cils []string) (Policy, error) {
	if len(cils) == 0 {
		return nil, fmt.Errorf("compile split policy: %w", ErrNoPolicy)
	}
	if _, err := os.Stat(cils[0]); err != nil {
		return nil, fmt.Errorf("compile split policy: %w", err)
	}
	return &toolPolicy{tool: t, load: []string{"--compile-split"}}, nil
}

type toolPolicy struct {
	tool  *Tool
	load  []string
	rules []string
}

func (p *toolPolicy) Apply(rules []string) error {
	for _, r := range rules {
		if strings.ContainsAny(r, "\n\x00") {
			return fmt.Errorf("%w: %q", ErrInvalidRule, r)
		}
	}
	p.rules = append(p.rules, rules...)
	return nil
}

// WriteTo runs the tool over the source policy and the accumulated rules and
// copies the resulting binary policy to w.
func (p *toolPolicy) WriteTo(w io.Writer) (int64, error) {
	if err := os.MkdirAll(p.tool.WorkDir, 0700); err != nil {
		return 0, fmt.Errorf("create work dir: %w", err)
	}

	rules, err := os.CreateTemp(p.tool.WorkDir, "rules-*")
	if err != nil {
		return 0, fmt.Errorf("create rule file: %w", err)
	}
	defer os.Remove(rules.Name())
	bw := bufio.NewWriter(rules)
	for _, r := range p.rules {
		bw.WriteString(r)
		bw.WriteByte('\n')
	}
	if err := bw.Flush(); err != nil {
		rules.Close()
		return 0, fmt.Errorf("write rule file: %w", err)
	}
	rules.Close()

	out := filepath.Join(p.tool.WorkDir, filepath.Base(rules.Name())+".out")
	defer os.Remove(out)

	args := append(append([]string{}, p.load...), "--magisk", "--apply", rules.Name(), "--save", out)
	cmd := exec.Command(p.tool.Path, args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return 0, fmt.Errorf("run %s: %w: %s", filepath.Base(p.tool.Path), err, strings.TrimSpace(string(output)))
	}

	f, err := os.Open(out)
	if err != nil {
		return 0, fmt.Errorf("open compiled policy: %w", err)
	}
	defer f.Close()
	return io.Copy(w, f)
}

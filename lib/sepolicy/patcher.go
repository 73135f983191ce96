// Package sepolicy merges the payload's rules into the platform SELinux
// policy and commits the result either to the kernel or to where the real
// init will load it.
package sepolicy

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/samber/lo"

	"github.com/kpfc/magiskinit/lib/logger"
	"github.com/kpfc/magiskinit/lib/paths"
)

// Mode selects how the merged policy is committed.
type Mode int

const (
	// ModeLoad writes the policy straight into the kernel.
	ModeLoad Mode = iota
	// ModeStage publishes the policy at /sepolicy of the new root.
	ModeStage
	// ModePreload publishes the policy for the init preload hook and then
	// acknowledges it.
	ModePreload
)

func (m Mode) String() string {
	switch m {
	case ModeLoad:
		return "load"
	case ModeStage:
		return "stage"
	case ModePreload:
		return "preload"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Patcher owns one policy merge.
type Patcher struct {
	// Source is the root the platform policy is read from.
	Source *paths.Paths
	// Target is the new root where staged artefacts are published.
	Target *paths.Paths
	// TmpDir is the in-root payload directory.
	TmpDir string
	Loader Loader
	// Prepare, when set, runs on the complete image before it is renamed
	// over dst, so the committed inode carries the right owner and label.
	Prepare func(tmp, dst string) error
}

// NewPatcher creates a Patcher.
func NewPatcher(source, target *paths.Paths, tmpDir string, loader Loader) *Patcher {
	return &Patcher{Source: source, Target: target, TmpDir: tmpDir, Loader: loader}
}

// Handle loads the platform policy, merges the rules and commits the merged
// image according to mode. The commit is all-or-nothing: nothing is visible
// at the destination until the complete image has been written.
func (p *Patcher) Handle(ctx context.Context, mode Mode) error {
	log := logger.FromContext(ctx).With("phase", "sepolicy")

	preloadPolicy := p.Target.PreloadPolicy(p.TmpDir)
	preloadAck := p.Target.PreloadAck(p.TmpDir)
	for _, stale := range []string{preloadPolicy, preloadAck} {
		if err := os.Remove(stale); err == nil {
			log.Info("removed stale preload artefact", "path", stale)
		}
	}

	policy, source, err := p.load()
	if err != nil {
		return err
	}
	log.Info("loaded policy", "source", source)

	rules := append(BuiltinRules(), p.moduleRules(ctx)...)
	if err := policy.Apply(rules); err != nil {
		return fmt.Errorf("apply rules: %w", err)
	}

	switch mode {
	case ModeLoad:
		err = p.loadIntoKernel(policy)
	case ModeStage:
		err = publish(p.Target.MonolithicPolicy(), policy, p.Prepare)
	case ModePreload:
		if err = publish(preloadPolicy, policy, p.Prepare); err == nil {
			err = p.touch(preloadAck)
		}
	default:
		err = fmt.Errorf("unknown mode %v", mode)
	}
	if err != nil {
		return fmt.Errorf("%w (%s): %v", ErrCommit, mode, err)
	}

	log.Info("policy committed", "mode", mode.String(), "rules", len(rules))
	return nil
}

// load picks the policy source: split CIL fragments, the monolithic
// /sepolicy, then the policy live in the kernel.
func (p *Patcher) load() (Policy, string, error) {
	if exists(p.Source.SplitPlatCil()) {
		cils := lo.Filter(p.Source.SplitCils(), func(c string, _ int) bool {
			return exists(c)
		})
		policy, err := p.Loader.FromSplit(cils)
		if err != nil {
			return nil, "", fmt.Errorf("load split policy: %w", err)
		}
		return policy, "split", nil
	}
	for _, candidate := range []struct{ path, name string }{
		{p.Source.MonolithicPolicy(), "monolithic"},
		{p.Source.SelinuxPolicy(), "live"},
	} {
		if !exists(candidate.path) {
			continue
		}
		policy, err := p.Loader.FromFile(candidate.path)
		if err != nil {
			return nil, "", fmt.Errorf("load %s policy: %w", candidate.name, err)
		}
		return policy, candidate.name, nil
	}
	return nil, "", ErrNoPolicy
}

// moduleRules collects sepolicy.rule files of modules on the preinit
// partition. Unreadable files are logged and skipped.
func (p *Patcher) moduleRules(ctx context.Context) []string {
	var rules []string
	for _, path := range moduleRuleFiles(p.Target.PreinitDir(p.TmpDir)) {
		r, err := ReadRuleFile(path)
		if err != nil {
			logger.FromContext(ctx).Warn("cannot read module rules", "phase", "sepolicy", "path", path, "error", err)
			continue
		}
		rules = append(rules, r...)
	}
	return rules
}

// loadIntoKernel hands the complete image to selinuxfs in a single write.
func (p *Patcher) loadIntoKernel(policy Policy) error {
	var buf bytes.Buffer
	if _, err := policy.WriteTo(&buf); err != nil {
		return fmt.Errorf("serialize policy: %w", err)
	}
	f, err := os.OpenFile(p.Source.SelinuxLoad(), os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open selinux load: %w", err)
	}
	n, err := f.Write(buf.Bytes())
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}
	if n != buf.Len() {
		return fmt.Errorf("load policy: short write %d/%d", n, buf.Len())
	}
	return nil
}

// touch creates an empty marker, passing it through Prepare.
func (p *Patcher) touch(path string) error {
	if err := os.WriteFile(path, nil, 0644); err != nil {
		return err
	}
	if p.Prepare != nil {
		return p.Prepare(path, path)
	}
	return nil
}

// publish writes the policy next to dst and renames it into place, so dst
// either holds the previous content or the complete new image. Temp files
// left by an interrupted run are removed first. prepare may be nil.
func publish(dst string, policy Policy, prepare func(tmp, dst string) error) error {
	dir := filepath.Dir(dst)
	pattern := "." + filepath.Base(dst) + ".tmp-*"
	stale, _ := filepath.Glob(filepath.Join(dir, pattern))
	for _, s := range stale {
		os.Remove(s)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return fmt.Errorf("create temp policy: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err := policy.WriteTo(tmp); err != nil {
		return fmt.Errorf("serialize policy: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync policy: %w", err)
	}
	if err := tmp.Chmod(0644); err != nil {
		return fmt.Errorf("chmod policy: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close policy: %w", err)
	}
	if prepare != nil {
		if err := prepare(tmp.Name(), dst); err != nil {
			return fmt.Errorf("prepare policy: %w", err)
		}
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("rename policy: %w", err)
	}
	committed = true
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

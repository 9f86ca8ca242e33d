package docker

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"

	"tangled.sh/tangled.sh/scanline/workflow"
)

const (
	checkoutRemote = "origin"
	// local ref the fetched commit is stored under
	checkoutRef = plumbing.ReferenceName("refs/remotes/origin/scanline-checkout")
)

func cloneDepth(opts *workflow.CheckoutOpts) int {
	// default clone depth is 1
	if opts == nil || opts.Depth < 1 {
		return 1
	}
	return opts.Depth
}

// checkout fetches the pushed commit of the triggering repository into the
// workflow workspace and checks it out. Later pushes to the same branch do
// not matter: the commit is fetched by its hash, not as the branch tip.
func (e *Engine) checkout(ctx context.Context, state *workflowState, trigger workflow.Trigger, opts *workflow.CheckoutOpts, out stepOutput) error {
	if trigger.RepoURL == "" {
		return fmt.Errorf("checkout: trigger has no repository url")
	}

	repo, err := git.PlainInit(state.workspace, false)
	if err != nil {
		return fmt.Errorf("initializing workspace: %w", err)
	}

	_, err = repo.CreateRemote(&config.RemoteConfig{
		Name: checkoutRemote,
		URLs: []string{trigger.RepoURL},
	})
	if err != nil {
		return fmt.Errorf("adding remote: %w", err)
	}

	// the commit when we know it, the pushed ref otherwise
	src := trigger.NewSha
	if src == "" {
		src = trigger.Ref
	}
	if src == "" {
		src = "HEAD"
	}

	fmt.Fprintf(out.stdout, "fetching %s from %s\n", src, trigger.RepoURL)

	err = fetch(ctx, repo, config.RefSpec(fmt.Sprintf("+%s:%s", src, checkoutRef)), cloneDepth(opts), out)
	if err != nil && trigger.NewSha != "" && ctx.Err() == nil {
		// most servers only serve advertised refs; take all branches and
		// find the commit among them
		fmt.Fprintf(out.stderr, "fetching %s by hash failed (%s), fetching all branches\n", trigger.NewSha, err)
		err = fetch(ctx, repo, config.RefSpec("+refs/heads/*:refs/remotes/origin/*"), 0, out)
	}
	if err != nil {
		return fmt.Errorf("fetching %s: %w", trigger.RepoURL, err)
	}

	hash := plumbing.NewHash(trigger.NewSha)
	if trigger.NewSha == "" {
		ref, err := repo.Reference(checkoutRef, true)
		if err != nil {
			return fmt.Errorf("resolving %s: %w", src, err)
		}
		hash = ref.Hash()
	}

	wt, err := repo.Worktree()
	if err != nil {
		return err
	}

	err = wt.Checkout(&git.CheckoutOptions{
		Hash:  hash,
		Force: true,
	})
	if err != nil {
		return fmt.Errorf("checking out %s: %w", hash, err)
	}

	if opts != nil && opts.Submodules {
		subs, err := wt.Submodules()
		if err != nil {
			return fmt.Errorf("reading submodules: %w", err)
		}
		err = subs.UpdateContext(ctx, &git.SubmoduleUpdateOptions{
			Init:              true,
			RecurseSubmodules: git.DefaultSubmoduleRecursionDepth,
			Depth:             cloneDepth(opts),
		})
		if err != nil {
			return fmt.Errorf("updating submodules: %w", err)
		}
	}

	fmt.Fprintf(out.stdout, "checked out %s\n", hash)
	return nil
}

// fetch fetches spec from the checkout remote. A depth of 0 fetches the full
// history.
func fetch(ctx context.Context, repo *git.Repository, spec config.RefSpec, depth int, out stepOutput) error {
	err := repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: checkoutRemote,
		RefSpecs:   []config.RefSpec{spec},
		Depth:      depth,
		Progress:   out.stdout,
		Tags:       git.NoTags,
	})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	return err
}

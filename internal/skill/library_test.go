package skill

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "ChainVoyager/internal/errors"
	"ChainVoyager/internal/skillstore"
)

const swapSkill = `package main

import "voyager"

func Execute(env *voyager.Env) (float64, string) {
	return 0, "noop"
}
`

func newLibrary(t *testing.T) (*Library, string) {
	t.Helper()
	root := t.TempDir()
	emb := NewHashingEmbedder(64)
	store, err := skillstore.New(emb.Dim())
	require.NoError(t, err)
	lib, err := OpenLibrary(filepath.Join(root, "skills"), store, filepath.Join(root, "store"), emb)
	require.NoError(t, err)
	return lib, root
}

func TestRegisterLookupList(t *testing.T) {
	lib, root := newLibrary(t)

	ref, err := lib.Register("jupiter_swap", []byte(swapSkill), "swap SOL for USDC through the Jupiter aggregator")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(lib.Dir(), "jupiter_swap.go"), ref.Path)

	_, err = lib.Register("jupiter_swap", []byte(swapSkill), "again")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeConflict))

	_, err = lib.Register("Bad-Name", []byte(swapSkill), "")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
	_, err = lib.Register("no_entry", []byte("package main\n\nfunc Run() {}\n"), "")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))

	got, err := lib.Lookup("jupiter_swap")
	require.NoError(t, err)
	assert.Equal(t, ref, got)
	_, err = lib.Lookup("missing")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeNotFound))

	require.NoError(t, os.WriteFile(filepath.Join(lib.Dir(), "README.md"), []byte("x"), 0o644))
	refs, err := lib.List()
	require.NoError(t, err)
	assert.Equal(t, []Ref{ref}, refs)

	reopened, err := skillstore.Open(filepath.Join(root, "store"))
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.Len())
}

func TestSearchRanksByDescription(t *testing.T) {
	lib, _ := newLibrary(t)
	_, err := lib.Register("jupiter_swap", []byte(swapSkill), "swap tokens on the jupiter aggregator")
	require.NoError(t, err)
	_, err = lib.Register("marinade_stake", []byte(swapSkill), "stake SOL with marinade liquid staking")
	require.NoError(t, err)

	matches, err := lib.Search("liquid staking of SOL", 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "marinade_stake", matches[0].Ref.Name)
	assert.Equal(t, "stake SOL with marinade liquid staking", matches[0].Description)
	assert.GreaterOrEqual(t, matches[0].Score, matches[1].Score)
}

func TestPromote(t *testing.T) {
	lib, root := newLibrary(t)
	src := filepath.Join(root, "candidate.go")
	require.NoError(t, os.WriteFile(src, []byte(swapSkill), 0o644))

	ref, added, err := lib.Promote(Ref{Name: "candidate", Path: src}, "")
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, filepath.Join(lib.Dir(), "candidate.go"), ref.Path)

	_, added, err = lib.Promote(Ref{Name: "candidate", Path: src}, "")
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, 1, lib.Store().Len())
}

func TestPromoteOnDiskSkillConcurrently(t *testing.T) {
	lib, _ := newLibrary(t)
	path := filepath.Join(lib.Dir(), "shared.go")
	require.NoError(t, os.WriteFile(path, []byte(swapSkill), 0o644))

	var (
		wg    sync.WaitGroup
		added atomic.Int32
		errs  = make(chan error, 8)
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := lib.Promote(Ref{Name: "shared", Path: path}, "")
			if err != nil {
				errs <- err
				return
			}
			if ok {
				added.Add(1)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("promote: %v", err)
	}
	assert.Equal(t, int32(1), added.Load())
	assert.Equal(t, 1, lib.Store().Len())
}

func TestHashingEmbedder(t *testing.T) {
	e := NewHashingEmbedder(32)
	a := e.Embed("Swap via JupiterAggregator")
	assert.Len(t, a, 32)
	assert.Equal(t, a, e.Embed("swap via jupiter_aggregator"))

	var sum float64
	for _, v := range a {
		sum += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, sum, 1e-5)
	assert.Equal(t, make([]float32, 32), e.Embed("  "))
	assert.Equal(t, []string{"jupiter", "aggregator", "v6"}, tokenize("jupiterAggregator v6"))
}

func TestRefHelpers(t *testing.T) {
	assert.NoError(t, ValidateName("swap_v2"))
	assert.Error(t, ValidateName("2swap"))
	ref := RefFromPath("/tmp/skills/swap_v2.go")
	assert.Equal(t, "swap_v2", ref.Name)
	assert.Equal(t, "swap_v2", ref.String())
	assert.Equal(t, "/x.go", Ref{Path: "/x.go"}.String())
}

package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_DomainHeaderDefault(t *testing.T) {
	s := NewStore()

	b := s.DomainHeader("unknown.example.com")
	assert.Equal(t, DefaultTokenHeader, b.TokenHeader)
	assert.Empty(t, b.BindingHeader)
	assert.Empty(t, b.TokenPrefix)
}

func TestStore_SetDomainHeaderOverwrites(t *testing.T) {
	s := NewStore()

	require.NoError(t, s.SetDomainHeader("api.example.com", Binding{TokenHeader: "X-First"}))
	require.NoError(t, s.SetDomainHeader("api.example.com", Binding{TokenHeader: "Approov-Token", BindingHeader: "Authorization"}))

	b := s.DomainHeader("api.example.com")
	assert.Equal(t, "Approov-Token", b.TokenHeader)
	assert.Equal(t, "Authorization", b.BindingHeader)
}

func TestStore_DomainHeaderIdempotent(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.SetDomainHeader("api.example.com", Binding{TokenHeader: "Approov-Token", BindingHeader: "Authorization"}))

	assert.Equal(t, s.DomainHeader("api.example.com"), s.DomainHeader("api.example.com"))
	assert.Equal(t, s.DomainHeader("nope.example.com"), s.DomainHeader("nope.example.com"))
}

func TestStore_EmptyTokenHeaderInheritsDefault(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.SetDefaultBinding(Binding{TokenHeader: "Authorization", TokenPrefix: "Bearer "}))
	require.NoError(t, s.SetDomainHeader("api.example.com", Binding{BindingHeader: "X-Session"}))

	b := s.DomainHeader("api.example.com")
	assert.Equal(t, "Authorization", b.TokenHeader)
	assert.Equal(t, "X-Session", b.BindingHeader)

	d := s.DomainHeader("other.example.com")
	assert.Equal(t, "Bearer ", d.TokenPrefix)
}

func TestStore_SetDefaultBindingEmptyHeader(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.SetDefaultBinding(Binding{}))
	assert.Equal(t, DefaultTokenHeader, s.DomainHeader("x").TokenHeader)
}

func TestStore_RemoveDomainHeader(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.SetDomainHeader("api.example.com", Binding{TokenHeader: "X-Token"}))
	assert.Len(t, s.Domains(), 1)

	s.RemoveDomainHeader("api.example.com")
	assert.Equal(t, DefaultTokenHeader, s.DomainHeader("api.example.com").TokenHeader)
	assert.Empty(t, s.Domains())
}

func TestStore_ExclusionRules(t *testing.T) {
	s := NewStore()

	require.NoError(t, s.AddExclusionRule(`^https://cdn\.example\.com/`))
	require.NoError(t, s.AddExclusionRule(`/health$`))

	assert.True(t, s.IsExcluded("https://cdn.example.com/logo.png"))
	assert.True(t, s.IsExcluded("https://api.example.com/health"))
	assert.False(t, s.IsExcluded("https://api.example.com/v1/shapes"))
	assert.Len(t, s.ExclusionRules(), 2)

	s.RemoveExclusionRule(`/health$`)
	assert.False(t, s.IsExcluded("https://api.example.com/health"))
}

func TestStore_InvalidExclusionRule(t *testing.T) {
	s := NewStore()

	err := s.AddExclusionRule(`(unclosed`)
	assert.ErrorIs(t, err, ErrInvalidPattern)
	assert.Empty(t, s.ExclusionRules())
}

func TestStore_SubstitutionHeaders(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.AddSubstitutionHeader("Authorization", "Bearer "))
	require.NoError(t, s.AddSubstitutionHeader("Api-Key", ""))

	headers := s.SubstitutionHeaders()
	assert.Equal(t, map[string]string{"Authorization": "Bearer ", "Api-Key": ""}, headers)

	headers["Injected"] = "x"
	assert.Len(t, s.SubstitutionHeaders(), 2)

	s.RemoveSubstitutionHeader("Api-Key")
	assert.Equal(t, map[string]string{"Authorization": "Bearer "}, s.SubstitutionHeaders())
}

func TestStore_BindingHeaderCannotBeSubstituted(t *testing.T) {
	tests := []struct {
		name  string
		setup func(s *Store) error
	}{
		{
			name: "substitution then binding",
			setup: func(s *Store) error {
				if err := s.AddSubstitutionHeader("Authorization", "Bearer "); err != nil {
					return err
				}
				return s.SetDomainHeader("api.example.com", Binding{BindingHeader: "authorization"})
			},
		},
		{
			name: "binding then substitution",
			setup: func(s *Store) error {
				if err := s.SetDomainHeader("api.example.com", Binding{BindingHeader: "Authorization"}); err != nil {
					return err
				}
				return s.AddSubstitutionHeader("AUTHORIZATION", "")
			},
		},
		{
			name: "default binding",
			setup: func(s *Store) error {
				if err := s.AddSubstitutionHeader("X-Session", ""); err != nil {
					return err
				}
				return s.SetDefaultBinding(Binding{BindingHeader: "X-Session"})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore()
			err := tt.setup(s)
			assert.ErrorIs(t, err, ErrBindingConflict)
		})
	}
}

func TestStore_BindingAndSubstitutionOnDifferentHeaders(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.AddSubstitutionHeader("Api-Key", ""))
	require.NoError(t, s.SetDomainHeader("api.example.com", Binding{BindingHeader: "Authorization"}))
	assert.Equal(t, "Authorization", s.DomainHeader("api.example.com").BindingHeader)
}

func TestStore_SubstitutionQueryParams(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.AddSubstitutionQueryParam("api_key"))

	params := s.SubstitutionQueryParams()
	require.Contains(t, params, "api_key")

	m := params["api_key"].FindStringSubmatch("https://api.example.com/v1?x=1&api_key=placeholder&y=2")
	require.Len(t, m, 2)
	assert.Equal(t, "placeholder", m[1])

	s.RemoveSubstitutionQueryParam("api_key")
	assert.Empty(t, s.SubstitutionQueryParams())
}

func TestStore_ProceedOnNetworkFail(t *testing.T) {
	s := NewStore()
	assert.False(t, s.ProceedOnNetworkFail())

	s.SetProceedOnNetworkFail(true)
	assert.True(t, s.ProceedOnNetworkFail())
}

func TestStore_ConcurrentAccess(t *testing.T) {
	s := NewStore()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			domain := "d" + string(rune('0'+id%10)) + ".example.com"
			assert.NoError(t, s.SetDomainHeader(domain, Binding{TokenHeader: "Approov-Token"}))
			s.DomainHeader(domain)
			s.IsExcluded("https://" + domain + "/")
		}(i)
	}
	wg.Wait()
}

const sampleConfig = `
default:
  token_header: Authorization
  token_prefix: "Bearer "
domains:
  api.example.com:
    token_header: Approov-Token
    binding_header: Authorization
exclusions:
  - ^https://cdn\.example\.com/
substitution_headers:
  Api-Key: ""
substitution_query_params: [api_key]
proceed_on_network_fail: true
`

func TestParseFile(t *testing.T) {
	f, err := ParseFile([]byte(sampleConfig))
	require.NoError(t, err)

	require.NotNil(t, f.Default)
	assert.Equal(t, "Authorization", f.Default.TokenHeader)
	assert.Equal(t, "Authorization", f.Domains["api.example.com"].BindingHeader)
	assert.Equal(t, []string{`^https://cdn\.example\.com/`}, f.Exclusions)
	assert.Equal(t, []string{"api_key"}, f.SubstitutionQueryParams)
	assert.True(t, f.ProceedOnNetworkFail)
}

func TestParseFile_Empty(t *testing.T) {
	f, err := ParseFile(nil)
	require.NoError(t, err)
	assert.Empty(t, f.Domains)
}

func TestParseFile_UnknownField(t *testing.T) {
	_, err := ParseFile([]byte("domainz: {}\n"))
	assert.Error(t, err)
}

func TestStore_Apply(t *testing.T) {
	f, err := ParseFile([]byte(sampleConfig))
	require.NoError(t, err)

	s := NewStore()
	require.NoError(t, s.SetDomainHeader("stale.example.com", Binding{TokenHeader: "X-Stale"}))
	require.NoError(t, s.Apply(f))

	assert.Equal(t, "Approov-Token", s.DomainHeader("api.example.com").TokenHeader)
	assert.Equal(t, "Authorization", s.DomainHeader("stale.example.com").TokenHeader)
	assert.True(t, s.IsExcluded("https://cdn.example.com/a.png"))
	assert.Contains(t, s.SubstitutionHeaders(), "Api-Key")
	assert.Contains(t, s.SubstitutionQueryParams(), "api_key")
	assert.True(t, s.ProceedOnNetworkFail())
}

func TestStore_ApplyInvalidLeavesStoreUntouched(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.AddExclusionRule(`^https://keep\.example\.com/`))

	err := s.Apply(&File{Exclusions: []string{`(bad`}})
	assert.ErrorIs(t, err, ErrInvalidPattern)
	assert.True(t, s.IsExcluded("https://keep.example.com/x"))
}

func TestStore_ApplyConflictLeavesStoreUntouched(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.SetDomainHeader("keep.example.com", Binding{TokenHeader: "X-Keep"}))

	err := s.Apply(&File{
		Domains:             map[string]Binding{"api.example.com": {BindingHeader: "Authorization"}},
		SubstitutionHeaders: map[string]string{"Authorization": "Bearer "},
	})
	assert.ErrorIs(t, err, ErrBindingConflict)
	assert.Equal(t, "X-Keep", s.DomainHeader("keep.example.com").TokenHeader)
	assert.Empty(t, s.SubstitutionHeaders())
}

func TestLoadStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	s, err := LoadStore(path)
	require.NoError(t, err)
	assert.Equal(t, "Authorization", s.DomainHeader("api.example.com").BindingHeader)

	_, err = LoadStore(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("domains: {}\n"), 0o600))

	s := NewStore()
	w, err := NewWatcher(WatcherConfig{
		Path:     path,
		Store:    s,
		Debounce: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	require.Eventually(t, func() bool {
		return s.DomainHeader("api.example.com").BindingHeader == "Authorization"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWatcher_KeepsConfigOnBadReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	s, err := LoadStore(path)
	require.NoError(t, err)

	failed := make(chan struct{}, 1)
	w, err := NewWatcher(WatcherConfig{
		Path:     path,
		Store:    s,
		Debounce: 10 * time.Millisecond,
		OnReload: func(err error) {
			if err != nil {
				select {
				case failed <- struct{}{}:
				default:
				}
			}
		},
	})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("exclusions: ['(bad']\n"), 0o600))

	select {
	case <-failed:
	case <-time.After(5 * time.Second):
		t.Fatal("bad config was not rejected")
	}
	assert.Equal(t, "Authorization", s.DomainHeader("api.example.com").BindingHeader)
}

func TestWatcher_StopIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	w, err := NewWatcher(WatcherConfig{Path: path, Store: NewStore()})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	assert.NoError(t, w.Stop())
	assert.NoError(t, w.Stop())
}

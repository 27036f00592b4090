package update

import (
	"context"
	"errors"
	"net/netip"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	aerrors "go.hackfix.me/geofence/app/errors"
	ftypes "go.hackfix.me/geofence/firewall/types"
	"go.hackfix.me/geofence/models"
)

func TestOrchestratorRun(t *testing.T) {
	t.Parallel()

	ranges := map[models.CountryCode][]string{
		"se": {"2.64.0.0/13", "5.150.192.0/18"},
		"no": {"2.148.0.0/14", "2.64.0.0/16"},
		"aq": {},
	}

	tests := []struct {
		name          string
		countries     string
		containerHook bool
		fetchErrs     map[models.CountryCode]error
		failOps       map[string]error
		expErr        string
		expKind       error
		expCountries  map[models.CountryCode]int
		expSet        []string
		expScopes     []ftypes.Scope
		expFetched    []models.CountryCode
		expMutations  bool
	}{
		{
			name:         "ok/single_country",
			countries:    "se",
			expCountries: map[models.CountryCode]int{"se": 2},
			expSet:       []string{"2.64.0.0/13", "5.150.192.0/18"},
			expScopes:    []ftypes.Scope{ftypes.ScopeHost},
			expFetched:   []models.CountryCode{"se"},
			expMutations: true,
		},
		{
			name:          "ok/overlapping_countries_with_containers",
			countries:     "no,se,aq",
			containerHook: true,
			expCountries:  map[models.CountryCode]int{"se": 2, "no": 2, "aq": 0},
			expSet:        []string{"2.64.0.0/13", "2.148.0.0/14", "5.150.192.0/18"},
			expScopes:     []ftypes.Scope{ftypes.ScopeHost, ftypes.ScopeContainer},
			expFetched:    []models.CountryCode{"no", "se", "aq"},
			expMutations:  true,
		},
		{
			name:       "err/config",
			countries:  "SE",
			expErr:     "invalid allowed countries",
			expKind:    aerrors.ErrConfig,
			expFetched: nil,
		},
		{
			name:      "err/prerequisite",
			countries: "se",
			failOps:   map[string]error{"Check": errors.New("missing CAP_NET_ADMIN")},
			expErr:    "firewall prerequisites not met: missing CAP_NET_ADMIN",
			expKind:   aerrors.ErrPrerequisite,
		},
		{
			name:      "err/fetch_stops_at_first_failure",
			countries: "se,no",
			fetchErrs: map[models.CountryCode]error{
				"se": aerrors.New(aerrors.ErrValidation, "rejected country ranges", errors.New("line 3")),
			},
			expErr:     "rejected country ranges",
			expKind:    aerrors.ErrValidation,
			expFetched: []models.CountryCode{"se"},
		},
		{
			name:      "err/fetch_unclassified",
			countries: "no,se",
			fetchErrs: map[models.CountryCode]error{
				"se": errors.New("boom"),
			},
			expErr:     "failed fetching country ranges: boom",
			expKind:    aerrors.ErrFetch,
			expFetched: []models.CountryCode{"no", "se"},
		},
		{
			name:       "err/empty_result",
			countries:  "aq",
			expErr:     "no ranges fetched for any allowed country",
			expKind:    aerrors.ErrEmptyResult,
			expFetched: []models.CountryCode{"aq"},
		},
		{
			name:         "err/swap",
			countries:    "se",
			failOps:      map[string]error{"SwapSets": errors.New("device busy")},
			expErr:       "failed swapping working and live sets",
			expKind:      aerrors.ErrSetBuild,
			expFetched:   []models.CountryCode{"se"},
			expMutations: true,
		},
		{
			name:         "err/reconcile",
			countries:    "se",
			failOps:      map[string]error{"AppendRule": errors.New("chain locked")},
			expErr:       "failed reconciling rules",
			expKind:      aerrors.ErrRuleReconcile,
			expFetched:   []models.CountryCode{"se"},
			expMutations: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			fw := newMockFirewall(tt.containerHook)
			for op, err := range tt.failOps {
				fw.FailOn(op, err)
			}
			fetcher := &fakeFetcher{ranges: ranges, errs: tt.fetchErrs}
			o := newTestOrchestrator(t, testConfig(tt.countries), fetcher, fw)

			res, err := o.Run(context.Background())
			require.NotNil(t, res)
			assert.NotEmpty(t, res.CycleID)
			assert.Equal(t, tt.expFetched, fetcher.fetched)

			fw.Lock()
			defer fw.Unlock()

			if tt.expErr != "" {
				require.Error(t, err)
				assert.ErrorContains(t, err, tt.expErr)
				assert.ErrorIs(t, err, tt.expKind)
				assert.Equal(t, tt.expKind, aerrors.KindOf(err))

				var serr *aerrors.StructuredError
				require.ErrorAs(t, err, &serr)
				assert.Equal(t, res.CycleID, serr.Metadata()["cycle_id"])

				if !tt.expMutations {
					assert.Empty(t, fw.Sets)
					assert.Empty(t, fw.Chains)
				}
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expCountries, res.Countries)
			assert.Equal(t, tt.expScopes, res.Scopes)
			assert.Equal(t, len(tt.expSet), res.Set.Added)

			got := make([]string, 0, len(fw.Sets["geofence_allowed"]))
			for _, p := range fw.Sets["geofence_allowed"] {
				got = append(got, p.String())
			}
			assert.ElementsMatch(t, tt.expSet, got)
			assert.NotContains(t, fw.Sets, "geofence_allowed_tmp")

			for _, scope := range tt.expScopes {
				rules := fw.Chains[scope]
				require.NotEmpty(t, rules)
				assert.Equal(t, ftypes.MatchNotInSet, rules[len(rules)-1].Match)
				assert.Equal(t, "geofence_allowed", rules[len(rules)-1].Set)
			}
		})
	}
}

func TestOrchestratorRunIdempotent(t *testing.T) {
	t.Parallel()

	fw := newMockFirewall(true)
	fetcher := &fakeFetcher{ranges: map[models.CountryCode][]string{
		"se": {"2.64.0.0/13"},
	}}
	o := newTestOrchestrator(t, testConfig("se"), fetcher, fw)

	_, err := o.Run(context.Background())
	require.NoError(t, err)

	fw.Lock()
	chains := map[ftypes.Scope][]ftypes.Rule{}
	for scope, rules := range fw.Chains {
		chains[scope] = slices.Clone(rules)
	}
	fw.Unlock()

	res, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Set.Added)

	fw.Lock()
	defer fw.Unlock()
	assert.Equal(t, chains, fw.Chains)
	assert.Equal(t, []netip.Prefix{netip.MustParsePrefix("2.64.0.0/13")}, fw.Sets["geofence_allowed"])
}

func TestOrchestratorRunCanceled(t *testing.T) {
	t.Parallel()

	fw := newMockFirewall(false)
	fetcher := &fakeFetcher{ranges: map[models.CountryCode][]string{
		"se": {"2.64.0.0/13"},
	}}
	o := newTestOrchestrator(t, testConfig("se"), fetcher, fw)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := o.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorContains(t, err, "update cycle interrupted")
	assert.Empty(t, fetcher.fetched)
}

func TestOrchestratorRunSingleRange(t *testing.T) {
	t.Parallel()

	fw := newMockFirewall(false)
	fetcher := &fakeFetcher{ranges: map[models.CountryCode][]string{"se": {"1.2.3.0/24"}}}
	o := newTestOrchestrator(t, testConfig("se"), fetcher, fw)

	_, err := o.Run(context.Background())
	require.NoError(t, err)

	fw.Lock()
	defer fw.Unlock()

	assert.Equal(t, []netip.Prefix{netip.MustParsePrefix("1.2.3.0/24")}, fw.Sets["geofence_allowed"])

	host := ftypes.ScopeHost
	assert.Equal(t, []ftypes.Rule{
		{Scope: host, Match: ftypes.MatchEstablished, Verdict: ftypes.VerdictAccept},
		{Scope: host, Match: ftypes.MatchLoopback, Verdict: ftypes.VerdictAccept},
		{Scope: host, Match: ftypes.MatchTCPPort, Port: 22, Verdict: ftypes.VerdictAccept},
		{Scope: host, Match: ftypes.MatchICMP, Verdict: ftypes.VerdictAccept},
		{Scope: host, Match: ftypes.MatchNotInSet, Set: "geofence_allowed", Verdict: ftypes.VerdictDrop},
	}, fw.Chains[host])
}

func TestOrchestratorRunKeepsSetOnFailure(t *testing.T) {
	t.Parallel()

	live := []netip.Prefix{netip.MustParsePrefix("5.150.192.0/18")}
	fw := newMockFirewall(false)
	fw.Sets["geofence_allowed"] = slices.Clone(live)

	fetcher := &fakeFetcher{
		ranges: map[models.CountryCode][]string{"se": {"2.64.0.0/13"}},
		errs: map[models.CountryCode]error{
			"no": aerrors.New(aerrors.ErrValidation, "rejected country ranges", errors.New("line 2")),
		},
	}
	o := newTestOrchestrator(t, testConfig("se,no"), fetcher, fw)

	_, err := o.Run(context.Background())
	require.ErrorIs(t, err, aerrors.ErrValidation)

	fw.Lock()
	defer fw.Unlock()
	assert.Equal(t, live, fw.Sets["geofence_allowed"])
	assert.Len(t, fw.Sets, 1)
	for _, op := range fw.Ops {
		assert.NotContains(t, op, "Set ", "unexpected set operation %q", op)
	}
}

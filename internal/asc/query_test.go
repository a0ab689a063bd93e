package asc

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/releasetools/ascsync/internal/config"
)

const appsPayload = `{"data":[{"type":"apps","id":"app-1","attributes":{"name":"Example","bundleId":"com.example.app"}}]}`

// fakeMux builds a request mux pre-wired with the app lookup route.
func fakeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/apps", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(appsPayload))
	})
	return mux
}

func TestAppIDResolution(t *testing.T) {
	t.Parallel()

	t.Run("single match", func(t *testing.T) {
		t.Parallel()

		client := newTestClient(t, fakeMux())
		id, err := client.AppID(t.Context())
		require.NoError(t, err)
		assert.Equal(t, "app-1", id)

		// Second call served from the instance cache.
		id, err = client.AppID(t.Context())
		require.NoError(t, err)
		assert.Equal(t, "app-1", id)
	})

	t.Run("name disambiguates shared bundle id", func(t *testing.T) {
		t.Parallel()

		mux := http.NewServeMux()
		mux.HandleFunc("/v1/apps", func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte(`{"data":[
				{"type":"apps","id":"app-other","attributes":{"name":"Example Beta","bundleId":"com.example.app"}},
				{"type":"apps","id":"app-main","attributes":{"name":"Example","bundleId":"com.example.app"}}
			]}`))
		})

		client := newTestClient(t, mux)
		id, err := client.AppID(t.Context())
		require.NoError(t, err)
		assert.Equal(t, "app-main", id)
	})

	t.Run("ambiguous without configured name", func(t *testing.T) {
		t.Parallel()

		mux := http.NewServeMux()
		mux.HandleFunc("/v1/apps", func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte(`{"data":[
				{"type":"apps","id":"a","attributes":{"name":"One","bundleId":"com.example.app"}},
				{"type":"apps","id":"b","attributes":{"name":"Two","bundleId":"com.example.app"}}
			]}`))
		})

		srvClient := newTestClient(t, mux)
		srvClient.app = config.AppConfig{BundleID: "com.example.app"}
		_, err := srvClient.AppID(t.Context())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no app name is configured")
	})

	t.Run("explicit id override skips lookup", func(t *testing.T) {
		t.Parallel()

		mux := http.NewServeMux() // any API hit would 404
		client := newTestClient(t, mux)
		client.app = config.AppConfig{ID: "override-42"}

		id, err := client.AppID(t.Context())
		require.NoError(t, err)
		assert.Equal(t, "override-42", id)
	})

	t.Run("no match", func(t *testing.T) {
		t.Parallel()

		mux := http.NewServeMux()
		mux.HandleFunc("/v1/apps", func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte(`{"data":[]}`))
		})

		client := newTestClient(t, mux)
		_, err := client.AppID(t.Context())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no app found")
	})
}

func TestLiveProductionBuild(t *testing.T) {
	t.Parallel()

	t.Run("first ready for sale wins", func(t *testing.T) {
		t.Parallel()

		mux := fakeMux()
		mux.HandleFunc("/v1/apps/app-1/appStoreVersions", func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte(`{"data":[
				{"type":"appStoreVersions","id":"v-prep","attributes":{"versionString":"1.5","appStoreState":"PREPARE_FOR_SUBMISSION"}},
				{"type":"appStoreVersions","id":"v-live","attributes":{"versionString":"1.4","appStoreState":"READY_FOR_SALE"}},
				{"type":"appStoreVersions","id":"v-live-old","attributes":{"versionString":"1.3","appStoreState":"READY_FOR_SALE"}}
			]}`))
		})
		mux.HandleFunc("/v1/appStoreVersions/v-live/build", func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte(`{"data":{"type":"builds","id":"b-1400","attributes":{"version":"1400","processingState":"VALID","expired":false}}}`))
		})

		client := newTestClient(t, mux)
		live, err := client.LiveProductionBuild(t.Context())
		require.NoError(t, err)
		assert.Equal(t, LiveBuild{Live: true, Version: "1.4", BuildNumber: "1400"}, live)
	})

	t.Run("none live", func(t *testing.T) {
		t.Parallel()

		mux := fakeMux()
		mux.HandleFunc("/v1/apps/app-1/appStoreVersions", func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte(`{"data":[
				{"type":"appStoreVersions","id":"v-prep","attributes":{"versionString":"1.5","appStoreState":"PREPARE_FOR_SUBMISSION"}}
			]}`))
		})

		client := newTestClient(t, mux)
		live, err := client.LiveProductionBuild(t.Context())
		require.NoError(t, err)
		assert.Equal(t, LiveBuild{Live: false, BuildNumber: "0"}, live)
	})

	t.Run("live version with no attached build", func(t *testing.T) {
		t.Parallel()

		mux := fakeMux()
		mux.HandleFunc("/v1/apps/app-1/appStoreVersions", func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte(`{"data":[
				{"type":"appStoreVersions","id":"v-live","attributes":{"versionString":"1.4","appStoreState":"READY_FOR_SALE"}}
			]}`))
		})
		mux.HandleFunc("/v1/appStoreVersions/v-live/build", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})

		client := newTestClient(t, mux)
		live, err := client.LiveProductionBuild(t.Context())
		require.NoError(t, err)
		assert.Equal(t, LiveBuild{Live: true, Version: "1.4", BuildNumber: "0"}, live)
	})
}

func TestBuildInReviewAndRejected(t *testing.T) {
	t.Parallel()

	mux := fakeMux()
	mux.HandleFunc("/v1/apps/app-1/appStoreVersions", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"data":[
			{"type":"appStoreVersions","id":"v-rej","attributes":{"versionString":"1.4.1","appStoreState":"DEVELOPER_REJECTED"}},
			{"type":"appStoreVersions","id":"v-rev","attributes":{"versionString":"1.5","appStoreState":"IN_REVIEW"}},
			{"type":"appStoreVersions","id":"v-live","attributes":{"versionString":"1.4","appStoreState":"READY_FOR_SALE"}}
		]}`))
	})

	client := newTestClient(t, mux)

	inReview, err := client.BuildInReview(t.Context())
	require.NoError(t, err)
	require.NotNil(t, inReview)
	assert.Equal(t, "v-rev", inReview.ID)
	assert.Equal(t, StateInReview, inReview.State)

	rejected, err := client.RejectedVersion(t.Context())
	require.NoError(t, err)
	require.NotNil(t, rejected)
	assert.Equal(t, "v-rej", rejected.ID)
	assert.Equal(t, StateDeveloperRejected, rejected.State)
}

func TestLatestEligibleBetaBuild(t *testing.T) {
	t.Parallel()

	mux := fakeMux()
	mux.HandleFunc("/v1/apps/app-1/appStoreVersions", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"data":[
			{"type":"appStoreVersions","id":"v-rev","attributes":{"versionString":"1.5","appStoreState":"WAITING_FOR_REVIEW"}},
			{"type":"appStoreVersions","id":"v-live","attributes":{"versionString":"1.4","appStoreState":"READY_FOR_SALE"}}
		]}`))
	})
	mux.HandleFunc("/v1/appStoreVersions/v-live/build", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"data":{"type":"builds","id":"b-1400","attributes":{"version":"1400"}}}`))
	})
	mux.HandleFunc("/v1/appStoreVersions/v-rev/build", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"data":{"type":"builds","id":"b-1500","attributes":{"version":"1500"}}}`))
	})
	mux.HandleFunc("/v1/builds", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"data":[
			{"type":"builds","id":"b-1502","attributes":{"version":"1502","processingState":"PROCESSING","expired":false}},
			{"type":"builds","id":"b-1501","attributes":{"version":"1501","processingState":"VALID","expired":true}},
			{"type":"builds","id":"b-1500","attributes":{"version":"1500","processingState":"VALID","expired":false}},
			{"type":"builds","id":"b-1499","attributes":{"version":"1499","processingState":"VALID","expired":false}},
			{"type":"builds","id":"b-1400","attributes":{"version":"1400","processingState":"VALID","expired":false}}
		]}`))
	})
	mux.HandleFunc("/v1/builds/b-1499/preReleaseVersion", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"data":{"type":"preReleaseVersions","id":"pr-1","attributes":{"version":"1.5"}}}`))
	})
	mux.HandleFunc("/v1/builds/b-1499/buildBetaDetail", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"data":{"type":"buildBetaDetails","id":"bd-1","attributes":{"externalBuildState":"IN_BETA_TESTING"}}}`))
	})

	client := newTestClient(t, mux)
	candidate, err := client.LatestEligibleBetaBuild(t.Context(), "")
	require.NoError(t, err)
	require.NotNil(t, candidate)

	// 1502 is still processing, 1501 expired, 1500 in review, 1400 live:
	// 1499 is the newest survivor.
	assert.Equal(t, "b-1499", candidate.BuildID)
	assert.Equal(t, "1499", candidate.BuildNumber)
	assert.Equal(t, "1.5", candidate.Version)
	assert.Equal(t, "IN_BETA_TESTING", candidate.BetaState)
}

func TestLatestEligibleBetaBuildNoneFound(t *testing.T) {
	t.Parallel()

	mux := fakeMux()
	mux.HandleFunc("/v1/apps/app-1/appStoreVersions", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"data":[]}`))
	})
	mux.HandleFunc("/v1/builds", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"data":[
			{"type":"builds","id":"b-1","attributes":{"version":"1","processingState":"FAILED","expired":false}}
		]}`))
	})

	client := newTestClient(t, mux)
	candidate, err := client.LatestEligibleBetaBuild(t.Context(), "")
	require.NoError(t, err)
	assert.Nil(t, candidate)
}

func TestLatestEligibleBetaBuildRestrictedToWorkflow(t *testing.T) {
	t.Parallel()

	mux := fakeMux()
	mux.HandleFunc("/v1/apps/app-1/appStoreVersions", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"data":[]}`))
	})
	mux.HandleFunc("/v1/builds", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"data":[
			{"type":"builds","id":"b-1501","attributes":{"version":"1501","processingState":"VALID","expired":false}},
			{"type":"builds","id":"b-1500","attributes":{"version":"1500","processingState":"VALID","expired":false}},
			{"type":"builds","id":"b-1499","attributes":{"version":"1499","processingState":"VALID","expired":false}}
		]}`))
	})
	mux.HandleFunc("/v1/ciProducts", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"data":[{"type":"ciProducts","id":"prod-1","attributes":{}}]}`))
	})
	mux.HandleFunc("/v1/ciProducts/prod-1/workflows", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"data":[
			{"type":"ciWorkflows","id":"wf-beta","attributes":{"name":"Beta"}},
			{"type":"ciWorkflows","id":"wf-release","attributes":{"name":"Release"}}
		]}`))
	})
	// 1501 has no CI run record at all; 1500 was produced by the Beta
	// pipeline; only 1499 belongs to the Release workflow.
	mux.HandleFunc("/v1/ciWorkflows/wf-beta/buildRuns", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"data":[{"type":"ciBuildRuns","id":"run-b","attributes":{"number":1500,"sourceCommit":"beta-sha"}}]}`))
	})
	mux.HandleFunc("/v1/ciWorkflows/wf-release/buildRuns", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"data":[{"type":"ciBuildRuns","id":"run-r","attributes":{"number":1499,"sourceCommit":"release-sha"}}]}`))
	})
	mux.HandleFunc("/v1/builds/b-1499/preReleaseVersion", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"data":{"type":"preReleaseVersions","id":"pr-1","attributes":{"version":"1.5"}}}`))
	})
	mux.HandleFunc("/v1/builds/b-1499/buildBetaDetail", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"data":{"type":"buildBetaDetails","id":"bd-1","attributes":{"externalBuildState":"IN_BETA_TESTING"}}}`))
	})

	client := newTestClient(t, mux)
	candidate, err := client.LatestEligibleBetaBuild(t.Context(), "Release")
	require.NoError(t, err)
	require.NotNil(t, candidate)

	// Newer builds without a run record (1501) or on another pipeline
	// (1500) do not shadow the configured workflow's build.
	assert.Equal(t, "b-1499", candidate.BuildID)
	assert.Equal(t, "1499", candidate.BuildNumber)
	assert.Equal(t, "1.5", candidate.Version)
}

func TestBuildByNumber(t *testing.T) {
	t.Parallel()

	mux := fakeMux()
	mux.HandleFunc("/v1/builds", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1400", r.URL.Query().Get("filter[version]"))
		w.Write([]byte(`{"data":[
			{"type":"builds","id":"b-1400","attributes":{"version":"1400","processingState":"VALID","expired":false}}
		]}`))
	})

	client := newTestClient(t, mux)
	build, err := client.BuildByNumber(t.Context(), "1400")
	require.NoError(t, err)
	require.NotNil(t, build)
	assert.Equal(t, "b-1400", build.ID)
	assert.Equal(t, ProcessingStateValid, build.ProcessingState)
}

func TestCommitForBuild(t *testing.T) {
	t.Parallel()

	runsPayload := func(sourceCommit string) string {
		return fmt.Sprintf(`{"data":[
			{"type":"ciBuildRuns","id":"run-2","attributes":{"number":1401,"sourceCommit":%s}},
			{"type":"ciBuildRuns","id":"run-1","attributes":{"number":1400,"sourceCommit":%s}}
		]}`, sourceCommit, sourceCommit)
	}

	tests := []struct {
		name         string
		sourceCommit string
		wantCommit   string
	}{
		{
			name:         "plain string commit",
			sourceCommit: `"a1b2c3d4"`,
			wantCommit:   "a1b2c3d4",
		},
		{
			name:         "object with sha",
			sourceCommit: `{"sha":"deadbeef"}`,
			wantCommit:   "deadbeef",
		},
		{
			name:         "object with commitSha",
			sourceCommit: `{"commitSha":"cafebabe"}`,
			wantCommit:   "cafebabe",
		},
		{
			name:         "object with nested commit.sha",
			sourceCommit: `{"commit":{"sha":"feedface"}}`,
			wantCommit:   "feedface",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			mux := fakeMux()
			mux.HandleFunc("/v1/ciProducts", func(w http.ResponseWriter, _ *http.Request) {
				w.Write([]byte(`{"data":[{"type":"ciProducts","id":"prod-1","attributes":{}}]}`))
			})
			mux.HandleFunc("/v1/ciProducts/prod-1/workflows", func(w http.ResponseWriter, _ *http.Request) {
				w.Write([]byte(`{"data":[
					{"type":"ciWorkflows","id":"wf-1","attributes":{"name":"Release"}}
				]}`))
			})
			mux.HandleFunc("/v1/ciWorkflows/wf-1/buildRuns", func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "200", r.URL.Query().Get("limit"))
				w.Write([]byte(runsPayload(tt.sourceCommit)))
			})

			client := newTestClient(t, mux)
			ref, err := client.CommitForBuild(t.Context(), "1400")
			require.NoError(t, err)
			assert.True(t, ref.Found)
			assert.Equal(t, tt.wantCommit, ref.Commit)
			assert.Equal(t, "wf-1", ref.WorkflowID)
			assert.Equal(t, "Release", ref.WorkflowName)
		})
	}
}

func TestCommitForBuildNotFound(t *testing.T) {
	t.Parallel()

	mux := fakeMux()
	mux.HandleFunc("/v1/ciProducts", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"data":[{"type":"ciProducts","id":"prod-1","attributes":{}}]}`))
	})
	mux.HandleFunc("/v1/ciProducts/prod-1/workflows", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"data":[{"type":"ciWorkflows","id":"wf-1","attributes":{"name":"Release"}}]}`))
	})
	mux.HandleFunc("/v1/ciWorkflows/wf-1/buildRuns", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"data":[{"type":"ciBuildRuns","id":"run-1","attributes":{"number":99,"sourceCommit":"abc"}}]}`))
	})

	client := newTestClient(t, mux)
	ref, err := client.CommitForBuild(t.Context(), "1400")
	require.NoError(t, err)
	assert.False(t, ref.Found)
}

func TestExtractCommit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		json string
		want string
	}{
		{name: "string", json: `{"sourceCommit":"abc123"}`, want: "abc123"},
		{name: "sha key", json: `{"sourceCommit":{"sha":"s1"}}`, want: "s1"},
		{name: "priority order prefers sha", json: `{"sourceCommit":{"hash":"h1","sha":"s1"}}`, want: "s1"},
		{name: "hash fallback", json: `{"sourceCommit":{"hash":"h1"}}`, want: "h1"},
		{name: "id fallback", json: `{"sourceCommit":{"id":"i1"}}`, want: "i1"},
		{name: "empty object", json: `{"sourceCommit":{}}`, want: ""},
		{name: "missing", json: `{}`, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			field := gjson.Get(tt.json, "sourceCommit")
			assert.Equal(t, tt.want, extractCommit(field))
		})
	}
}

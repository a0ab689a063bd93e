package asc

import "encoding/json"

// App Store version states.
const (
	StatePrepareForSubmission    = "PREPARE_FOR_SUBMISSION"
	StateWaitingForReview        = "WAITING_FOR_REVIEW"
	StateInReview                = "IN_REVIEW"
	StatePendingDeveloperRelease = "PENDING_DEVELOPER_RELEASE"
	StateReadyForSale            = "READY_FOR_SALE"
	StateRejected                = "REJECTED"
	StateDeveloperRejected       = "DEVELOPER_REJECTED"
	StateMetadataRejected        = "METADATA_REJECTED"
)

// Build processing states.
const (
	ProcessingStateValid = "VALID"
)

// reviewStates are version states that count as "in review": a concurrent
// submission must not be opened while one of these is present.
var reviewStates = map[string]bool{
	StateWaitingForReview:        true,
	StateInReview:                true,
	StatePendingDeveloperRelease: true,
}

// rejectedStates are version states that count as a rejected submission.
var rejectedStates = map[string]bool{
	StateRejected:          true,
	StateDeveloperRejected: true,
	StateMetadataRejected:  true,
}

// resource is a JSON:API resource object. Attributes stay raw so each call
// site decodes only the attribute set it needs.
type resource struct {
	Type       string          `json:"type"`
	ID         string          `json:"id"`
	Attributes json.RawMessage `json:"attributes"`
}

type listResponse struct {
	Data []resource `json:"data"`
}

type singleResponse struct {
	Data resource `json:"data"`
}

type appAttributes struct {
	Name     string `json:"name"`
	BundleID string `json:"bundleId"`
}

type versionAttributes struct {
	VersionString string `json:"versionString"`
	AppStoreState string `json:"appStoreState"`
}

type buildAttributes struct {
	Version         string `json:"version"`
	ProcessingState string `json:"processingState"`
	Expired         bool   `json:"expired"`
}

type preReleaseVersionAttributes struct {
	Version string `json:"version"`
}

type betaDetailAttributes struct {
	ExternalBuildState string `json:"externalBuildState"`
}

type workflowAttributes struct {
	Name string `json:"name"`
}

type localizationAttributes struct {
	Locale   string `json:"locale"`
	WhatsNew string `json:"whatsNew"`
}

// LiveBuild is the result of LiveProductionBuild.
type LiveBuild struct {
	Live        bool
	Version     string
	BuildNumber string
}

// VersionInfo describes an app store version.
type VersionInfo struct {
	ID            string
	VersionString string
	State         string
}

// BetaBuild is a TestFlight build eligible for submission.
type BetaBuild struct {
	BuildID     string
	BuildNumber string
	Version     string
	BetaState   string
}

// Build is a single build record.
type Build struct {
	ID              string
	BuildNumber     string
	ProcessingState string
	Expired         bool
}

// CommitRef is the commit associated with a CI build run. Commit may be a
// full 40-hex hash or a symbolic reference needing resolution.
type CommitRef struct {
	Found        bool
	Commit       string
	WorkflowID   string
	WorkflowName string
}

package controller

// State names where a stack currently sits in its lifecycle. States move
// forward only; a controller is single-use.
type State string

const (
	StateIdle               State = "idle"
	StatePlanning           State = "planning"
	StatePlanned            State = "planned"
	StateWaitingForApproval State = "waiting for approval"
	StateDeploying          State = "deploying"
	StateDeployUpdate       State = "deploy update"
	StateDeployed           State = "deployed"
	StateDestroying         State = "destroying"
	StateDestroyUpdate      State = "destroy update"
	StateDestroyed          State = "destroyed"
	StateOutputsFetched     State = "outputs fetched"
	StateDismissed          State = "dismissed"
	StateErrored            State = "errored"
	StateDone               State = "done"
)

package services

import "errors"

// Identity layer errors. Fatal to the connection attempt, never to the run.
var (
	ErrUntrustedCertificate = errors.New("certificate is not signed by a trusted federation root")
	ErrCertificateExpired   = errors.New("certificate is outside its validity window")
	ErrCertificateRevoked   = errors.New("certificate has been revoked")
)

// Coordination errors surfaced through the protocol.
var (
	ErrNoEligibleCollaborators = errors.New("no eligible collaborators for round")
	ErrNoTaskAvailable         = errors.New("no task available")
	ErrStaleRound              = errors.New("round has already closed")
	ErrDuplicateSubmission     = errors.New("result already accepted for this collaborator and round")
	ErrUnassignedCollaborator  = errors.New("collaborator is not in the round's expected responder set")
	ErrQuorumNotMet            = errors.New("quorum not met before round close")
	ErrRunNotActive            = errors.New("run is not accepting results")
	ErrCollaboratorNotFound    = errors.New("collaborator not found")
)

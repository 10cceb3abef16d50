package domain

import "errors"

// ErrInvalidConfig indicates that an experiment configuration failed validation.
var ErrInvalidConfig = errors.New("invalid experiment configuration")

// ErrInvalidBudget indicates that budget limits are invalid or insufficient.
var ErrInvalidBudget = errors.New("invalid budget limits")

// ErrExperimentNotFound indicates that no experiment exists with the given name.
var ErrExperimentNotFound = errors.New("experiment not found")

// ErrRunNotFound indicates that no run exists with the given identifier.
var ErrRunNotFound = errors.New("run not found")

// ErrTrialNotFound indicates that no trial exists with the given identifier.
var ErrTrialNotFound = errors.New("trial not found")

// ErrDuplicateExperiment indicates that an experiment with the same name already exists.
var ErrDuplicateExperiment = errors.New("experiment name already exists")

// ErrExperimentRunning indicates an operation that is forbidden while a run is active,
// such as deleting or mutating a running experiment.
var ErrExperimentRunning = errors.New("experiment has an active run")

// ErrRunActive indicates that an experiment already has an active run;
// at most one run per experiment may be active at a time.
var ErrRunActive = errors.New("experiment already has an active run")

// ErrInvalidTransition indicates an illegal experiment status change.
// TransitionError wraps this sentinel with the offending pair.
var ErrInvalidTransition = errors.New("invalid status transition")

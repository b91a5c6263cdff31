package runtime

import (
	"context"
	"errors"

	"github.com/jeeves-cluster-organization/changeflow/commbus"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/agents"
)

// IsEscalationWorthy reports whether a node error hands the request to a
// human instead of failing the run. Errors outside this set propagate to
// the caller of Run.
func IsEscalationWorthy(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, agents.ErrLLMUnavailable) ||
		errors.Is(err, commbus.ErrCollaborator)
}

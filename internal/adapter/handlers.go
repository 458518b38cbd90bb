// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/unifiedcontrolsystem/dai-ds-sub004/internal/housekeeping"
	"github.com/unifiedcontrolsystem/dai-ds-sub004/internal/logctx"
	"github.com/unifiedcontrolsystem/dai-ds-sub004/internal/nodestate"
)

// Built in commands.
const (
	CommandEcho         = "Echo"
	CommandSetNodeState = "SetNodeState"
)

// Echo returns the item's Text parameter, or its raw parameters when
// they are not structured.
func Echo(_ context.Context, job Job) (string, error) {
	if text, ok := job.Request.Get("Text"); ok {
		return text, nil
	}
	return job.Request.Parameters, nil
}

// SetNodeState returns a handler that submits a node state change read
// from the Lctn, NewState, Kind and UsingSynthData parameters. Kind is
// "compute" (default) or "service".
func SetNodeState(u *nodestate.Updater) HandlerFunc {
	return func(ctx context.Context, job Job) (string, error) {
		params := job.Request.Map()
		lctn := params["Lctn"]
		state := params["NewState"]
		if lctn == "" || state == "" {
			return "", fmt.Errorf("%s requires Lctn and NewState parameters", CommandSetNodeState)
		}

		kind := housekeeping.NodeCompute
		switch strings.ToLower(params["Kind"]) {
		case "", "compute":
		case "service":
			kind = housekeeping.NodeService
		default:
			return "", fmt.Errorf("unknown node kind %q", params["Kind"])
		}

		var synth bool
		if v, ok := params["UsingSynthData"]; ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return "", fmt.Errorf("invalid UsingSynthData value %q: %w", v, err)
			}
			synth = b
		}

		logctx.FromContext(ctx).Debug("Setting node state",
			slog.String("lctn", lctn), slog.String("newState", state), slog.String("kind", kind.String()))
		err := u.SetState(ctx, nodestate.Change{
			Kind:           kind,
			Location:       lctn,
			WorkItemID:     job.Item.ID,
			UsingSynthData: synth,
		}, state)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Submitted state %s for %s %s", state, kind, lctn), nil
	}
}

// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package master

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/smartdc/amon/pkg/api"
	"github.com/smartdc/amon/pkg/model"
)

// Authorizer decides whether an account may place a probe. Three rules
// admit a probe PUT:
//
//  1. the probe targets a machine the account owns;
//  2. the probe targets a server and the account is an operator;
//  3. the probe is global, targets a machine the account does not own,
//     and the account is an operator.
//
// Failures for non-operators do not distinguish "no such machine" from
// "someone else's machine": that difference is information.
type Authorizer struct {
	logger   log.Logger
	accounts *Accounts
	machines *Machines
}

// NewAuthorizer builds the probe-write authorizer.
func NewAuthorizer(logger log.Logger, accounts *Accounts, machines *Machines) *Authorizer {
	return &Authorizer{logger: logger, accounts: accounts, machines: machines}
}

// AuthorizeProbePut returns nil if acct may create or replace p.
func (az *Authorizer) AuthorizeProbePut(ctx context.Context, acct *model.Account, p *model.Probe) error {
	if p.Machine != "" {
		return az.authorizeMachineTarget(ctx, acct, p)
	}
	return az.authorizeServerTarget(ctx, acct, p)
}

func (az *Authorizer) authorizeMachineTarget(ctx context.Context, acct *model.Account, p *model.Probe) error {
	m, err := az.machines.Get(ctx, p.Machine)
	if err != nil && api.CodeOf(err) != api.CodeResourceNotFound {
		return err
	}
	if m != nil && m.Owner == acct.UUID {
		return nil
	}

	// Missing or foreign machine. Only an operator placing a global probe
	// gets any further, and an operator gets the honest answer.
	if p.Global {
		op, oerr := az.accounts.IsOperator(ctx, acct.UUID)
		if oerr != nil {
			return oerr
		}
		if op {
			if m == nil {
				return api.NotFoundf("machine %q not found", p.Machine)
			}
			return nil
		}
	}
	_ = level.Debug(az.logger).Log("msg", "probe put denied", "account", acct.Login,
		"machine", p.Machine, "global", p.Global)
	return api.Invalidf("machine %q does not exist or is not owned by account %q", p.Machine, acct.Login)
}

// AuthorizeProbeDelete returns nil if acct may remove the stored probe p.
// Operators may always delete; everyone else needs the same standing the
// PUT required.
func (az *Authorizer) AuthorizeProbeDelete(ctx context.Context, acct *model.Account, p *model.Probe) error {
	op, err := az.accounts.IsOperator(ctx, acct.UUID)
	if err != nil {
		return err
	}
	if op {
		return nil
	}
	return az.AuthorizeProbePut(ctx, acct, p)
}

func (az *Authorizer) authorizeServerTarget(ctx context.Context, acct *model.Account, p *model.Probe) error {
	op, err := az.accounts.IsOperator(ctx, acct.UUID)
	if err != nil {
		return err
	}
	if !op {
		_ = level.Debug(az.logger).Log("msg", "probe put denied", "account", acct.Login,
			"server", p.Server)
		return api.Invalidf("server probes require operator privileges")
	}
	ok, err := az.machines.ServerExists(ctx, p.Server)
	if err != nil {
		return err
	}
	if !ok {
		return api.NotFoundf("server %q not found", p.Server)
	}
	return nil
}

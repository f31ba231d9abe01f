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
	"fmt"

	"github.com/go-kit/log"

	"github.com/smartdc/amon/pkg/api"
	"github.com/smartdc/amon/pkg/cache"
	"github.com/smartdc/amon/pkg/directory"
	"github.com/smartdc/amon/pkg/model"
)

// Accounts resolves accounts and operator status out of the directory,
// through the account cache. Every public request passes through here, so
// misses are cached as aggressively as hits.
type Accounts struct {
	logger log.Logger
	dir    directory.Client
	cache  *cache.Cache
}

// NewAccounts builds the account resolver.
func NewAccounts(logger log.Logger, dir directory.Client, c *cache.Cache) *Accounts {
	return &Accounts{logger: logger, dir: dir, cache: c}
}

// ByLogin resolves a login name to its account.
func (a *Accounts) ByLogin(ctx context.Context, login string) (*model.Account, error) {
	if login == "" {
		return nil, api.Missingf("login is required")
	}
	v, err := a.cache.GetOrFill(ctx, cache.ScopeAccountByLogin, login, func(ctx context.Context) (interface{}, error) {
		filter := fmt.Sprintf("(&(objectclass=sdcperson)(login=%s))", directory.EscapeFilter(login))
		entries, err := a.dir.Search(ctx, model.UsersBase, directory.ScopeSub, filter)
		if err != nil {
			return nil, err
		}
		switch len(entries) {
		case 0:
			return nil, api.NotFoundf("no such account %q", login)
		case 1:
			return model.AccountFromEntry(entries[0])
		default:
			return nil, api.Internalf("login %q matches %d accounts", login, len(entries))
		}
	})
	if err != nil {
		return nil, err
	}
	acct := v.(*model.Account)
	// Prime the UUID path: events resolve by UUID, requests by login.
	a.cache.Put(cache.ScopeAccount, acct.UUID, acct)
	return acct, nil
}

// ByUUID resolves an account UUID, as carried by events.
func (a *Accounts) ByUUID(ctx context.Context, user string) (*model.Account, error) {
	if !api.IsUUID(user) {
		return nil, api.Invalidf("user %q is not a UUID", user)
	}
	v, err := a.cache.GetOrFill(ctx, cache.ScopeAccount, user, func(ctx context.Context) (interface{}, error) {
		entries, err := a.dir.Search(ctx, model.AccountDN(user), directory.ScopeBase, "(objectclass=sdcperson)")
		if err != nil {
			if api.CodeOf(err) == api.CodeResourceNotFound {
				return nil, api.NotFoundf("no such account %s", user)
			}
			return nil, err
		}
		if len(entries) == 0 {
			return nil, api.NotFoundf("no such account %s", user)
		}
		return model.AccountFromEntry(entries[0])
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Account), nil
}

// IsOperator reports whether the account is in the operators group.
// An absent group means nobody operates anything.
func (a *Accounts) IsOperator(ctx context.Context, user string) (bool, error) {
	v, err := a.cache.GetOrFill(ctx, cache.ScopeOperator, user, func(ctx context.Context) (interface{}, error) {
		filter := fmt.Sprintf("(uniquemember=%s)", directory.EscapeFilter(model.AccountDN(user)))
		entries, err := a.dir.Search(ctx, model.OperatorsDN, directory.ScopeBase, filter)
		if err != nil {
			if api.CodeOf(err) == api.CodeResourceNotFound {
				return false, nil
			}
			return nil, err
		}
		return len(entries) > 0, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

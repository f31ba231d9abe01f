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

// Package model holds Amon's authoritative object model: contacts, monitors
// and probes. Each type constructs from either the public API form or the
// directory-native form, funnels both through one validator, and serializes
// back to the public form. DNs are fully determined by (user, [monitor,]
// name); nothing else ever feeds into a DN.
package model

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/smartdc/amon/pkg/api"
	"github.com/smartdc/amon/pkg/directory"
)

// Directory layout constants. Accounts are external records owned by the
// wider cloud; Amon only reads them.
const (
	UsersBase   = "ou=users, o=smartdc"
	OperatorsDN = "cn=operators, ou=groups, o=smartdc"

	ocAccount = "sdcperson"
	ocContact = "amoncontact"
	ocMonitor = "amonmonitor"
	ocProbe   = "amonprobe"
)

// nameRE bounds entity names: they are path and DN components.
var nameRE = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.-]{0,31}$`)

// ValidName reports whether s is an acceptable contact/monitor/probe name.
func ValidName(s string) bool {
	return nameRE.MatchString(s)
}

func checkName(field, s string) error {
	if s == "" {
		return api.Missingf("%s is required", field)
	}
	if !ValidName(s) {
		return api.Invalidf("%s %q must match %s", field, s, nameRE.String())
	}
	return nil
}

func checkUser(user string) error {
	if user == "" {
		return api.Missingf("user is required")
	}
	if !api.IsUUID(user) {
		return api.Invalidf("user %q is not a UUID", user)
	}
	return nil
}

// AccountDN returns the DN of the external account record for a user UUID.
func AccountDN(user string) string {
	return fmt.Sprintf("uuid=%s, %s", user, UsersBase)
}

// ContactDN returns the DN a contact is stored at.
func ContactDN(user, name string) string {
	return fmt.Sprintf("%s=%s, %s", ocContact, name, AccountDN(user))
}

// MonitorDN returns the DN a monitor is stored at.
func MonitorDN(user, name string) string {
	return fmt.Sprintf("%s=%s, %s", ocMonitor, name, AccountDN(user))
}

// ProbeDN returns the DN a probe is stored at, under its monitor.
func ProbeDN(user, monitor, name string) string {
	return fmt.Sprintf("%s=%s, %s", ocProbe, name, MonitorDN(user, monitor))
}

// splitDN breaks a DN into trimmed attr=value components.
func splitDN(dn string) ([][2]string, error) {
	parts := strings.Split(dn, ",")
	out := make([][2]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		i := strings.IndexByte(p, '=')
		if i <= 0 {
			return nil, api.Internalf("malformed DN component %q in %q", p, dn)
		}
		out = append(out, [2]string{strings.ToLower(p[:i]), p[i+1:]})
	}
	return out, nil
}

// parseUnder validates that comps ends with the account layout
// (uuid=<user>, ou=users, o=smartdc) and returns the user UUID.
func parseAccountSuffix(comps [][2]string) (string, error) {
	n := len(comps)
	if n < 3 || comps[n-1][0] != "o" || comps[n-2][0] != "ou" || comps[n-3][0] != "uuid" {
		return "", api.Internalf("DN does not live under %s", UsersBase)
	}
	return comps[n-3][1], nil
}

// ParseContactDN extracts (user, name) from a contact DN.
func ParseContactDN(dn string) (user, name string, err error) {
	comps, err := splitDN(dn)
	if err != nil {
		return "", "", err
	}
	if len(comps) != 4 || comps[0][0] != ocContact {
		return "", "", api.Internalf("%q is not a contact DN", dn)
	}
	user, err = parseAccountSuffix(comps)
	return user, comps[0][1], err
}

// ParseMonitorDN extracts (user, name) from a monitor DN.
func ParseMonitorDN(dn string) (user, name string, err error) {
	comps, err := splitDN(dn)
	if err != nil {
		return "", "", err
	}
	if len(comps) != 4 || comps[0][0] != ocMonitor {
		return "", "", api.Internalf("%q is not a monitor DN", dn)
	}
	user, err = parseAccountSuffix(comps)
	return user, comps[0][1], err
}

// ParseProbeDN extracts (user, monitor, name) from a probe DN.
func ParseProbeDN(dn string) (user, monitor, name string, err error) {
	comps, err := splitDN(dn)
	if err != nil {
		return "", "", "", err
	}
	if len(comps) != 5 || comps[0][0] != ocProbe || comps[1][0] != ocMonitor {
		return "", "", "", api.Internalf("%q is not a probe DN", dn)
	}
	user, err = parseAccountSuffix(comps)
	return user, comps[1][1], comps[0][1], err
}

// Account is the public view of the external account record. Amon never
// writes accounts; it resolves logins and reads the fields below.
type Account struct {
	UUID      string `json:"uuid"`
	Login     string `json:"login"`
	Email     string `json:"email,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
}

// DN returns the directory location of the account record.
func (a *Account) DN() string {
	return AccountDN(a.UUID)
}

// AccountFromEntry builds the public account view from its directory record.
func AccountFromEntry(e directory.Entry) (*Account, error) {
	a := &Account{
		UUID:      e.First("uuid"),
		Login:     e.First("login"),
		Email:     e.First("email"),
		FirstName: e.First("givenname"),
		LastName:  e.First("sn"),
	}
	if !api.IsUUID(a.UUID) {
		return nil, api.Internalf("account record carries invalid uuid %q", a.UUID)
	}
	if a.Login == "" {
		return nil, api.Internalf("account record %q lacks a login", a.UUID)
	}
	return a, nil
}

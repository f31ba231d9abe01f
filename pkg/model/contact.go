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

package model

import (
	"github.com/smartdc/amon/pkg/api"
	"github.com/smartdc/amon/pkg/directory"
)

// ContactParams is the public (API) form of a contact. Handlers merge the
// route identity over the request body before construction, so the route
// always wins on user and name.
type ContactParams struct {
	User   string `json:"user"`
	Name   string `json:"name"`
	Medium string `json:"medium"`
	Data   string `json:"data,omitempty"`
}

// Contact is a validated notification endpoint owned by an account. The
// medium names a notification plugin; data is an opaque address the plugin
// interprets (an email address, a webhook URL).
type Contact struct {
	User   string
	Name   string
	Medium string
	Data   string
}

// NewContactFromParams builds a contact from its public form. Validation
// failures surface as api errors and never reach the directory.
func NewContactFromParams(p ContactParams) (*Contact, error) {
	c := &Contact{User: p.User, Name: p.Name, Medium: p.Medium, Data: p.Data}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// NewContactFromEntry builds a contact from its directory record. The name
// comes from the DN; a record that fails validation means directory
// corruption and surfaces as an internal error, not a user error.
func NewContactFromEntry(e directory.Entry) (*Contact, error) {
	if !hasObjectClass(e, ocContact) {
		return nil, api.Internalf("entry %q is not an %s", e.DN, ocContact)
	}
	user, name, err := ParseContactDN(e.DN)
	if err != nil {
		return nil, err
	}
	c := &Contact{
		User:   user,
		Name:   name,
		Medium: e.First("medium"),
		Data:   e.First("data"),
	}
	if err := c.validate(); err != nil {
		return nil, api.Internalf("contact %q is corrupt: %s", e.DN, err)
	}
	return c, nil
}

func (c *Contact) validate() error {
	if err := checkUser(c.User); err != nil {
		return err
	}
	if err := checkName("name", c.Name); err != nil {
		return err
	}
	if c.Medium == "" {
		return api.Missingf("medium is required")
	}
	if !ValidName(c.Medium) {
		return api.Invalidf("medium %q must match %s", c.Medium, nameRE.String())
	}
	if c.Data == "" {
		return api.Missingf("data is required")
	}
	return nil
}

// DN returns the directory location of the contact.
func (c *Contact) DN() string {
	return ContactDN(c.User, c.Name)
}

// Serialize returns the public form. Contacts have no internal-only fields,
// so the flag only exists for symmetry with probes.
func (c *Contact) Serialize(internal bool) ContactParams {
	return ContactParams{User: c.User, Name: c.Name, Medium: c.Medium, Data: c.Data}
}

// Attrs returns the directory attributes for an Add.
func (c *Contact) Attrs() map[string][]string {
	return map[string][]string{
		"objectclass": {ocContact},
		ocContact:     {c.Name},
		"medium":      {c.Medium},
		"data":        {c.Data},
	}
}

// Mods returns replace operations that bring an existing record in line
// with c. Used on the PUT-over-existing path.
func (c *Contact) Mods() []directory.Mod {
	return []directory.Mod{
		{Op: directory.ModReplace, Attr: "medium", Values: []string{c.Medium}},
		{Op: directory.ModReplace, Attr: "data", Values: []string{c.Data}},
	}
}

func hasObjectClass(e directory.Entry, oc string) bool {
	for _, v := range e.Values("objectclass") {
		if v == oc {
			return true
		}
	}
	return false
}

package store

import (
	"github.com/lakowske/net-servers/internal/corerr"
	"github.com/lakowske/net-servers/internal/schema"
)

// Txn accumulates pending document changes for one Store.Transaction call.
// Nothing it collects touches disk until the transaction's composite
// validation passes (spec.md §4.3's transaction(ops) operation).
type Txn struct {
	store *Store

	global       *schema.GlobalConfig
	users        *schema.UsersDocument
	domains      *schema.DomainsDocument
	services     *schema.ServicesDocument
	environments *schema.EnvironmentsDocument
	secrets      *schema.SecretBundle
}

// SetGlobal stages a new global.yaml for commit.
func (t *Txn) SetGlobal(cfg *schema.GlobalConfig) { t.global = cfg }

// SetUsers stages a new users.yaml for commit.
func (t *Txn) SetUsers(doc *schema.UsersDocument) { t.users = doc }

// SetDomains stages a new domains.yaml for commit.
func (t *Txn) SetDomains(doc *schema.DomainsDocument) { t.domains = doc }

// SetServices stages a new services.yaml for commit.
func (t *Txn) SetServices(doc *schema.ServicesDocument) { t.services = doc }

// SetEnvironments stages a new environments.yaml for commit.
func (t *Txn) SetEnvironments(doc *schema.EnvironmentsDocument) { t.environments = doc }

// SetSecrets stages a new secrets.yaml for commit.
func (t *Txn) SetSecrets(sb *schema.SecretBundle) { t.secrets = sb }

// effectiveDomains returns the staged domains.yaml if one was set in this
// transaction, otherwise the document currently on disk. Used so that
// cross-document validation (users reference domains) sees a consistent
// view of the would-be committed state even when only one side changed.
func (t *Txn) effectiveDomains() (*schema.DomainsDocument, error) {
	if t.domains != nil {
		return t.domains, nil
	}
	return t.store.LoadDomains()
}

func (t *Txn) validate() error {
	if t.domains != nil {
		if err := t.domains.Validate(); err != nil {
			return corerr.Wrap(corerr.ConfigValidate, err, "domains.yaml invalid", map[string]any{"document": "domains"})
		}
	}
	if t.users != nil {
		domains, err := t.effectiveDomains()
		if err != nil {
			return err
		}
		exists := func(name string) bool {
			for _, d := range domains.Domains {
				if d.Name == name {
					return true
				}
			}
			return false
		}
		if err := t.users.Validate(exists); err != nil {
			return corerr.Wrap(corerr.ConfigValidate, err, "users.yaml invalid", map[string]any{"document": "users"})
		}
	}
	if t.global != nil {
		if err := t.global.Validate(); err != nil {
			return corerr.Wrap(corerr.ConfigValidate, err, "global.yaml invalid", map[string]any{"document": "global"})
		}
	}
	if t.services != nil {
		if err := t.services.Validate(); err != nil {
			return corerr.Wrap(corerr.ConfigValidate, err, "services.yaml invalid", map[string]any{"document": "services"})
		}
	}
	if t.environments != nil {
		if err := t.environments.Validate(); err != nil {
			return corerr.Wrap(corerr.ConfigValidate, err, "environments.yaml invalid", map[string]any{"document": "environments"})
		}
	}
	return nil
}

// commit writes every staged document in an order that keeps any
// last-instant IO failure from leaving a logically inconsistent pair on
// disk: domains before the users that reference them, everything else
// after. All documents were already validated together in validate(), so
// each individual writeAtomic's own validation is redundant but harmless.
func (t *Txn) commit() error {
	if t.domains != nil {
		if err := t.store.SaveDomains(t.domains); err != nil {
			return err
		}
	}
	if t.users != nil {
		if err := t.store.SaveUsers(t.users); err != nil {
			return err
		}
	}
	if t.global != nil {
		if err := t.store.SaveGlobal(t.global); err != nil {
			return err
		}
	}
	if t.services != nil {
		if err := t.store.SaveServices(t.services); err != nil {
			return err
		}
	}
	if t.environments != nil {
		if err := t.store.SaveEnvironments(t.environments); err != nil {
			return err
		}
	}
	if t.secrets != nil {
		if err := t.store.SaveSecrets(t.secrets); err != nil {
			return err
		}
	}
	return nil
}

// Transaction runs fn against a fresh Txn, validates every staged document
// together once fn returns, and only then commits any of them. If fn
// returns an error, or composite validation fails, nothing is written.
func (s *Store) Transaction(fn func(*Txn) error) error {
	txn := &Txn{store: s}
	if err := fn(txn); err != nil {
		return err
	}
	if err := txn.validate(); err != nil {
		return err
	}
	return txn.commit()
}

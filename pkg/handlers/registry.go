package handlers

import (
	"github.com/aoindustries/aoserv-master-sub002/pkg/invalidate"
)

// Registry builds every resource handler over one shared Deps and registers
// them with the invalidation broadcaster in a fixed order, so the fan-out
// order never depends on call-site wiring.
type Registry struct {
	Accounts        *AccountHandler
	Packages        *PackageHandler
	Postgres        *PostgresHandler
	NetBinds        *NetBindHandler
	Cvs             *CvsHandler
	LinuxServers    *LinuxServerHandler
	Signups         *SignupHandler
	SslCertificates *SslCertificateHandler
}

// NewRegistry creates all handlers.
func NewRegistry(deps Deps) *Registry {
	accounts := NewAccountHandler(deps)
	return &Registry{
		Accounts:        accounts,
		Packages:        NewPackageHandler(deps, accounts),
		Postgres:        NewPostgresHandler(deps, accounts),
		NetBinds:        NewNetBindHandler(deps),
		Cvs:             NewCvsHandler(deps, accounts),
		LinuxServers:    NewLinuxServerHandler(deps),
		Signups:         NewSignupHandler(deps),
		SslCertificates: NewSslCertificateHandler(deps),
	}
}

// RegisterListeners registers the access caches and every handler with the
// broadcaster. The access resolver goes first: authorization state must never
// be staler than the resource caches cleared after it.
func (r *Registry) RegisterListeners(b *invalidate.Broadcaster, deps Deps) {
	b.Register(deps.Resolver)
	b.Register(deps.Permissions)
	b.Register(r.Accounts)
	b.Register(r.Packages)
	b.Register(r.Postgres)
	b.Register(r.NetBinds)
	b.Register(r.Cvs)
	b.Register(r.LinuxServers)
	b.Register(r.Signups)
	b.Register(r.SslCertificates)
}

package schema

// TableID identifies one client-visible table. The numeric order of the
// constants is the canonical broadcast order; invalidation fan-out always
// walks tables in ascending TableID so every cache observes the same
// sequence.
type TableID int

const (
	TableAccounts TableID = iota
	TableAccountProfiles
	TableAccountHosts
	TableAdministrators
	TableAdministratorPermissions
	TableAOServers
	TableCvsRepositories
	TableDisableLogs
	TableEmailPipes
	TableHttpdSites
	TableIPAddresses
	TableLinuxAccounts
	TableLinuxGroups
	TableLinuxServerAccounts
	TableLinuxServerGroups
	TableMasterHosts
	TableMasterServers
	TableMasterUsers
	TableNetBinds
	TableNetDevices
	TablePackageDefinitions
	TablePackages
	TablePostgresDatabases
	TablePostgresServers
	TablePostgresServerUsers
	TablePostgresUsers
	TableServers
	TableSignupRequests
	TableSslCertificates

	numTables int = iota
)

var tableNames = [...]string{
	TableAccounts:                 "accounts",
	TableAccountProfiles:          "account_profiles",
	TableAccountHosts:             "account_hosts",
	TableAdministrators:           "administrators",
	TableAdministratorPermissions: "administrator_permissions",
	TableAOServers:                "ao_servers",
	TableCvsRepositories:          "cvs_repositories",
	TableDisableLogs:              "disable_logs",
	TableEmailPipes:               "email_pipes",
	TableHttpdSites:               "httpd_sites",
	TableIPAddresses:              "ip_addresses",
	TableLinuxAccounts:            "linux_accounts",
	TableLinuxGroups:              "linux_groups",
	TableLinuxServerAccounts:      "linux_server_accounts",
	TableLinuxServerGroups:        "linux_server_groups",
	TableMasterHosts:              "master_hosts",
	TableMasterServers:            "master_servers",
	TableMasterUsers:              "master_users",
	TableNetBinds:                 "net_binds",
	TableNetDevices:               "net_devices",
	TablePackageDefinitions:       "package_definitions",
	TablePackages:                 "packages",
	TablePostgresDatabases:        "postgres_databases",
	TablePostgresServers:          "postgres_servers",
	TablePostgresServerUsers:      "postgres_server_users",
	TablePostgresUsers:            "postgres_users",
	TableServers:                  "servers",
	TableSignupRequests:           "signup_requests",
	TableSslCertificates:          "ssl_certificates",
}

// Name returns the display name for the table, used in diagnostics.
func (t TableID) Name() string {
	if t < 0 || int(t) >= numTables {
		return "unknown"
	}
	return tableNames[t]
}

// NumTables returns the number of known tables.
func NumTables() int { return numTables }

// AllTables returns every table in canonical broadcast order.
func AllTables() []TableID {
	tables := make([]TableID, numTables)
	for i := range tables {
		tables[i] = TableID(i)
	}
	return tables
}

var tablesByName = func() map[string]TableID {
	m := make(map[string]TableID, numTables)
	for i, name := range tableNames {
		m[name] = TableID(i)
	}
	return m
}()

// TableByName returns the table with the given display name.
func TableByName(name string) (TableID, bool) {
	t, ok := tablesByName[name]
	return t, ok
}

// Dependencies is the static invalidation dependency graph: invalidating the
// key table also invalidates every listed table. The graph is hand
// maintained and must stay acyclic; TestDependenciesAcyclic guards that
// whenever an edge is added.
var Dependencies = map[TableID][]TableID{
	TableAccounts:       {TableAccountProfiles},
	TableAccountHosts:   {TableServers, TableIPAddresses},
	TableServers:        {TableAOServers, TableNetDevices},
	TableNetDevices:     {TableIPAddresses},
	TableIPAddresses:    {TableNetBinds},
	TableAdministrators: {TableAdministratorPermissions},
	TableMasterUsers:    {TableMasterHosts, TableMasterServers},
	TablePostgresUsers:  {TablePostgresServerUsers},
}

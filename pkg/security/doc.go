/*
Package security provides the mutual-TLS trust root for SCM clusters.

This package implements a per-cluster Certificate Authority (CA) and
the certificate lifecycle management around it: issuing short-lived
leaf certificates to datanodes, SCM replicas and admin CLI clients,
verifying presented certificates against the root, and persisting the
root key (encrypted) so a restarted replica doesn't mint a new trust
root out from under a running cluster.

# Architecture

	┌───────────────────────────────────────────────┐
	│                Security Architecture           │
	└─────┬───────────────────────┬──────────────────┘
	      │                       │
	      ▼                       ▼
	┌─────────────┐      ┌──────────────────┐
	│     CA      │      │   Certificate    │
	│ (root, RSA  │      │   Management     │
	│   4096-bit) │      │  90-day rotation │
	└─────────────┘      └──────────────────┘

## Cluster Encryption Key

The CA's root private key is encrypted at rest with a 32-byte key
derived from the cluster id (§6):

	clusterKey = SHA-256(clusterID)

SetClusterEncryptionKey installs this key once per process, during
cluster bootstrap or when an SCM replica rejoins and loads the CA from
its Persistent KV Store (§4.1).

# Certificate Authority

CertAuthority.Initialize generates a self-signed root (10-year
validity). IssueNodeCertificate and IssueClientCertificate each mint a
90-day leaf signed by that root: node certificates carry both
ClientAuth and ServerAuth extended key usage (a datanode or SCM
replica dials out and accepts dials), client certificates carry only
ClientAuth.

# Certificate Storage

Certificates are cached on disk under ~/.scm/certs/<role>-<id>/ as
node.crt, node.key and ca.crt (GetCertDir, SaveCertToFile,
LoadCertFromFile). CertExists and CertNeedsRotation let the datanode
agent and CLI decide whether to request a fresh certificate before
connecting.

# Usage

Initializing a CA on the first SCM replica:

	ca := security.NewCertAuthority(kv)
	if err := ca.Initialize(); err != nil {
		log.Fatal(err)
	}
	if err := ca.SaveToStore(); err != nil {
		log.Fatal(err)
	}

Issuing a datanode certificate during registration:

	cert, err := ca.IssueNodeCertificate(string(nodeID), "datanode", nil, []net.IP{ip})

# See Also

  - pkg/api for the mTLS RPC surface these certificates protect
  - pkg/store for the Persistent KV Store the CA root is saved to
*/
package security

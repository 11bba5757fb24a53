// Package audit stores the administrative audit trail of the rule catalog:
// creations, status changes, approvals, change proposals, deletions, and
// automatic disables, each with the acting user supplied by the identity
// layer. Entries are append-only and outlive the rules they describe.
package audit

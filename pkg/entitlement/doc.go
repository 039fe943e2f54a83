// Package entitlement resolves which capabilities a customer holds.
//
// Grants come from three sources: the customer's plan (derived live from
// subscriptions through PlanGrantsFunc), add-ons and manual grants (stored).
// Merge applies the rules: any active grant gives boolean access, numeric
// set grants compete under a ConflictPolicy (max by default) and increment
// grants add to the result. Expired and revoked grants are ignored.
package entitlement

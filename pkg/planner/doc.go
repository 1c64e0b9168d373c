/*
Package planner builds ordered firmware update plans.

Given a hardware generation, optional model, and the requested component
types, it sorts them into canonical apply order, validates each against
the compatibility table, resolves the newest catalog entry, and emits
one artifact per surviving component. Components that cannot apply are
recorded rather than failing the whole plan; only a plan with nothing
left is an error, and that error is permanent.

When a local repository mirror is configured, artifacts whose file is
present in the mirror are rewritten to file:// URIs so iDRACs pull from
the local network instead of downloads.dell.com.
*/
package planner

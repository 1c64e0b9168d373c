/*
Package catalog fetches and interprets Dell firmware catalogs.

The enterprise catalog ships as gzipped XML; Parse sniffs the gzip magic
bytes so callers can hand over either form. Both Manifest and Catalog
document roots are accepted because Dell has published both. Fetched
catalogs are cached per URL for a bounded TTL so plan expansion across a
large fleet does not hammer downloads.dell.com.

The package also owns the component compatibility table (which component
types apply to which PowerEdge generations, and their prerequisites) and
the canonical apply order: BIOS, then LifecycleController, then iDRAC,
then everything else.
*/
package catalog

/*
Package fetch schedules repository replication jobs. A job negotiates with
candidate seeders in reputation order, hands the actual transfer and
verification to the repository backend, and retries with a different source
on failure. Jobs are serialized per repository and capped globally.
*/
package fetch

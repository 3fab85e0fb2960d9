/*
Package config defines the configuration of a forge node, the default values,
and the logger construction. The cmd layer populates a Config from flags and
an optional config file; everything downstream only ever sees the struct.
*/
package config

/*
Package database opens the relational task store and manages its GORM
connection pool.

# Overview

Open picks a dialector by driver name (sqlite through the pure-Go glebarez
driver, postgres, mysql) and hands the resulting *gorm.DB to a PoolManager.
The manager tunes database/sql pool limits, optionally pings the server in
the background and logs pool statistics through zap.

# Transactions

WithTransaction runs a function in one transaction. WithTransactionRetry
retries it with exponential backoff when the error looks transient
(deadlock, serialization failure, dropped connection, lock timeout).
*/
package database

// Copyright 2026 The Nodemesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package dbquery is the DB Client contract.
//
// Nodes never hold a database connection. They send a COMMAND to the
// well-known db_client node and receive the result as a correlated
// RESPONSE. This package shapes those payloads on both sides:
//
//	request:  {command: "query_data", collection, query, sort, limit, skip}
//	response: {status: "success", query_results: [...]}
//	          {status: "error", error: "..."}
//
// sort is a list of [field, direction] pairs, direction 1 ascending
// or -1 descending.
//
// The db_client side is a [Store]: a document store on SQLite (via
// zombiezen.com/go/sqlite) in which every collection is a set of JSON
// documents. [Store.Execute] serves query_data and insert_data
// payloads. The filter grammar is a small subset of the MongoDB query
// language the original deployment used:
//
//	{"field": value}                       equality (null matches missing)
//	{"field": {"$gt": 1, "$lte": 9}}        $eq $ne $gt $gte $lt $lte
//	{"field": {"$in": [1, 2]}}              $in $nin
//	{"field": {"$exists": true}}
//	{"$and": [...]}, {"$or": [...]}
//
// Dotted field names address nested documents.
package dbquery

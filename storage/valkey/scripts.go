package valkey

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================
//
// Each script is one atomic step in Valkey. ARGV[1] is always the key
// prefix so scripts can reach keys derived from stored values.

// luaRemoveToken is shared by every script that deletes tokens. It removes
// the token document, both lookup keys and the index entries.
const luaRemoveToken = `
local function removeToken(p, id)
    redis.call('ZREM', p .. 'tokens', id)
    local data = redis.call('GET', p .. 'token:' .. id)
    if not data then
        return 0
    end
    local tok = cjson.decode(data)
    redis.call('DEL', p .. 'token:' .. id, p .. 'access:' .. tok.access_token)
    if tok.refresh_token and tok.refresh_token ~= '' then
        redis.call('DEL', p .. 'refresh:' .. tok.refresh_token)
    end
    redis.call('SREM', p .. 'client-tokens:' .. tok.client_id, id)
    return 1
end
`

// luaSaveClient stores a client unless its ID is taken.
//
// KEYS[1] = client key, KEYS[2] = clients index
// ARGV[1] = prefix, ARGV[2] = client ID, ARGV[3] = JSON, ARGV[4] = creation score
//
// Returns 1 when stored, 0 when the client exists.
const luaSaveClient = `
if not redis.call('SET', KEYS[1], ARGV[3], 'NX') then
    return 0
end
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[2])
return 1
`

// luaDeleteClient removes a client with every token and code issued to it.
//
// KEYS[1] = client key
// ARGV[1] = prefix, ARGV[2] = client ID
//
// Returns the number of tokens removed, or -1 when the client does not exist.
const luaDeleteClient = luaRemoveToken + `
local p, cid = ARGV[1], ARGV[2]
if redis.call('DEL', KEYS[1]) == 0 then
    return -1
end
redis.call('ZREM', p .. 'clients', cid)

local removed = 0
for _, id in ipairs(redis.call('SMEMBERS', p .. 'client-tokens:' .. cid)) do
    removed = removed + removeToken(p, id)
end
for _, code in ipairs(redis.call('SMEMBERS', p .. 'client-codes:' .. cid)) do
    redis.call('DEL', p .. 'code:' .. code)
    redis.call('ZREM', p .. 'codes', code)
end
redis.call('DEL', p .. 'client-tokens:' .. cid, p .. 'client-codes:' .. cid)
return removed
`

// luaInsertToken is shared by the scripts that store tokens. It checks the
// client and token string collisions, then writes the token. Lookup keys
// owned by the token ID in skip do not count as collisions.
const luaInsertToken = `
local function insertToken(p, clientKey, accessKey, refreshKey, id, data, hasRefresh, cid, score, skip)
    if redis.call('EXISTS', clientKey) == 0 then
        return 'NO_CLIENT'
    end
    local owner = redis.call('GET', accessKey)
    if owner and owner ~= skip then
        return 'ACCESS_EXISTS'
    end
    if hasRefresh then
        owner = redis.call('GET', refreshKey)
        if owner and owner ~= skip then
            return 'REFRESH_EXISTS'
        end
    end
    if skip then
        removeToken(p, skip)
    end
    redis.call('SET', p .. 'token:' .. id, data)
    redis.call('SET', accessKey, id)
    if hasRefresh then
        redis.call('SET', refreshKey, id)
    end
    redis.call('SADD', p .. 'client-tokens:' .. cid, id)
    redis.call('ZADD', p .. 'tokens', score, id)
    return 'OK'
end
`

// luaCreateToken stores a token and its lookup keys.
//
// KEYS[1] = client key, KEYS[2] = access token key, KEYS[3] = refresh token key
// ARGV[1] = prefix, ARGV[2] = token ID, ARGV[3] = JSON, ARGV[4] = "1" if a
// refresh token is present, ARGV[5] = client ID, ARGV[6] = removal score
//
// Returns "OK", "NO_CLIENT", "ACCESS_EXISTS" or "REFRESH_EXISTS".
const luaCreateToken = luaRemoveToken + luaInsertToken + `
return insertToken(ARGV[1], KEYS[1], KEYS[2], KEYS[3], ARGV[2], ARGV[3], ARGV[4] == '1', ARGV[5], ARGV[6], false)
`

// luaRotateRefreshToken replaces the token owning a refresh token with a new
// one. Nothing changes unless the new token can be stored.
//
// KEYS[1] = presented refresh token key, KEYS[2] = client key,
// KEYS[3] = new access token key, KEYS[4] = new refresh token key
// ARGV as luaCreateToken
//
// Returns "OK", "NOT_FOUND", "NO_CLIENT", "ACCESS_EXISTS" or "REFRESH_EXISTS".
const luaRotateRefreshToken = luaRemoveToken + luaInsertToken + `
local old = redis.call('GET', KEYS[1])
if not old then
    return 'NOT_FOUND'
end
return insertToken(ARGV[1], KEYS[2], KEYS[3], KEYS[4], ARGV[2], ARGV[3], ARGV[4] == '1', ARGV[5], ARGV[6], old)
`

// luaLookupToken resolves an access or refresh token key to the token JSON.
//
// KEYS[1] = access or refresh token key
// ARGV[1] = prefix
const luaLookupToken = `
local id = redis.call('GET', KEYS[1])
if not id then
    return false
end
return redis.call('GET', ARGV[1] .. 'token:' .. id)
`

// luaDeleteExpiredTokens removes tokens whose removal score is at or before now.
//
// KEYS[1] = tokens index
// ARGV[1] = prefix, ARGV[2] = now in unix seconds
const luaDeleteExpiredTokens = luaRemoveToken + `
local removed = 0
for _, id in ipairs(redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])) do
    removed = removed + removeToken(ARGV[1], id)
end
return removed
`

// luaSaveCode stores an authorization code unless it is taken.
//
// KEYS[1] = code key
// ARGV[1] = prefix, ARGV[2] = code, ARGV[3] = JSON, ARGV[4] = used flag,
// ARGV[5] = expiry in unix milliseconds, ARGV[6] = client ID
//
// Returns 1 when stored, 0 when the code exists.
const luaSaveCode = `
if redis.call('EXISTS', KEYS[1]) == 1 then
    return 0
end
redis.call('HSET', KEYS[1], 'data', ARGV[3], 'used', ARGV[4], 'expires', ARGV[5], 'client', ARGV[6])
redis.call('SADD', ARGV[1] .. 'client-codes:' .. ARGV[6], ARGV[2])
redis.call('ZADD', ARGV[1] .. 'codes', ARGV[5], ARGV[2])
return 1
`

// luaGetCode returns "<used>:<json>" for a code, or nil.
//
// KEYS[1] = code key
const luaGetCode = `
local v = redis.call('HMGET', KEYS[1], 'data', 'used')
if not v[1] then
    return false
end
return v[2] .. ':' .. v[1]
`

// luaCheckAndMarkCodeUsed atomically checks that a code is unexpired and
// unused and marks it used. Only one concurrent caller gets "OK:".
//
// KEYS[1] = code key
// ARGV[1] = now in unix milliseconds
//
// Returns "OK:<json>", "NOT_FOUND", "EXPIRED" or "ALREADY_USED:<json>".
const luaCheckAndMarkCodeUsed = `
local v = redis.call('HMGET', KEYS[1], 'data', 'used', 'expires')
if not v[1] then
    return 'NOT_FOUND'
end
if tonumber(ARGV[1]) >= tonumber(v[3]) then
    return 'EXPIRED'
end
if v[2] == '1' then
    return 'ALREADY_USED:' .. v[1]
end
redis.call('HSET', KEYS[1], 'used', '1')
return 'OK:' .. v[1]
`

// luaDeleteCode removes a code and its index entries.
//
// KEYS[1] = code key
// ARGV[1] = prefix, ARGV[2] = code
const luaDeleteCode = `
local cid = redis.call('HGET', KEYS[1], 'client')
redis.call('DEL', KEYS[1])
redis.call('ZREM', ARGV[1] .. 'codes', ARGV[2])
if cid then
    redis.call('SREM', ARGV[1] .. 'client-codes:' .. cid, ARGV[2])
end
return 1
`

// luaDeleteExpiredCodes removes codes expiring at or before now.
//
// KEYS[1] = codes index
// ARGV[1] = prefix, ARGV[2] = now in unix milliseconds
const luaDeleteExpiredCodes = `
local p = ARGV[1]
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
for _, code in ipairs(expired) do
    local cid = redis.call('HGET', p .. 'code:' .. code, 'client')
    redis.call('DEL', p .. 'code:' .. code)
    redis.call('ZREM', KEYS[1], code)
    if cid then
        redis.call('SREM', p .. 'client-codes:' .. cid, code)
    end
end
return #expired
`
